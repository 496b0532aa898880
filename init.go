package main

import (
	"context"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/internal/config"
	"github.com/parcelgrid/carrierbridge/internal/notify"
	"github.com/parcelgrid/carrierbridge/internal/telemetry"
	"github.com/parcelgrid/carrierbridge/pkg/carrier"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/fedex"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/token"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/ups"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/usps"
)

// tokenBufferSeconds is subtracted from every OAuth token TTL so a
// token is never handed out moments before it expires.
const tokenBufferSeconds = 60

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func initLogger(level string) (*otelzap.Logger, error) {
	return telemetry.NewLogger(level)
}

func initTracer(ctx context.Context, cfg *config.Config) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.OTELEnabled {
		return otel.GetTracerProvider().Tracer(cfg.ServiceName),
			func(context.Context) error { return nil }, nil
	}
	return telemetry.InitTracer(ctx, cfg.OTELEndpoint, cfg.ServiceName, cfg.Version)
}

func pricingPolicy(cfg *config.Config) carrier.PricingPolicy {
	return carrier.PricingPolicy{
		HandlingFee:           cfg.HandlingFee,
		FreeShippingThreshold: cfg.FreeShippingThreshold,
		MaxWeightLb:           cfg.MaxWeightLb,
	}
}

func initCarrierRegistry(cfg *config.Config, tokens *token.Store, logger *otelzap.Logger, tracer trace.Tracer) *carrier.Registry {
	registry := carrier.NewRegistry()
	pricing := pricingPolicy(cfg)
	weekdays := []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
	}

	if cfg.UPSEnabled {
		registry.Register(ups.New(ups.Config{
			ClientID:      cfg.UPSClientID,
			ClientSecret:  cfg.UPSClientSecret,
			AccountNumber: cfg.UPSAccountNumber,
			Environment:   carrier.Environment(cfg.UPSEnvironment),
			StoreScope:    cfg.StoreID,
			WebhookSecret: cfg.UPSWebhookSecret,
			Pricing:       pricing,
			CutoffHour:    cfg.CutoffHour,
			PickupHour:    cfg.PickupHour,
			GraceDays:     cfg.GraceDays,
			PickupDays:    weekdays,
			UseMock:       cfg.UPSUseMock,
		}, tokens, logger, tracer))
	}

	if cfg.FedExEnabled {
		registry.Register(fedex.New(fedex.Config{
			ClientID:      cfg.FedExClientID,
			ClientSecret:  cfg.FedExClientSecret,
			AccountNumber: cfg.FedExAccountNumber,
			Environment:   carrier.Environment(cfg.FedExEnvironment),
			StoreScope:    cfg.StoreID,
			WebhookSecret: cfg.FedExWebhookSecret,
			Pricing:       pricing,
			CutoffHour:    cfg.CutoffHour,
			PickupHour:    cfg.PickupHour,
			GraceDays:     cfg.GraceDays,
			PickupDays:    weekdays,
			UseMock:       cfg.FedExUseMock,
		}, tokens, logger, tracer))
	}

	if cfg.USPSEnabled {
		registry.Register(usps.New(usps.Config{
			ClientID:      cfg.USPSClientID,
			ClientSecret:  cfg.USPSClientSecret,
			CRID:          cfg.USPSCRID,
			MID:           cfg.USPSMID,
			AccountNumber: cfg.USPSAccountNumber,
			Environment:   carrier.Environment(cfg.USPSEnvironment),
			StoreScope:    cfg.StoreID,
			WebhookSecret: cfg.USPSWebhookSecret,
			Pricing:       pricing,
			CutoffHour:    cfg.CutoffHour,
			PickupHour:    cfg.PickupHour,
			GraceDays:     cfg.GraceDays,
			PickupDays:    weekdays,
			UseMock:       cfg.USPSUseMock,
		}, tokens, logger, tracer))
	}

	for name, enabled := range map[string]bool{
		"ups":   cfg.UPSEnabled,
		"fedex": cfg.FedExEnabled,
		"usps":  cfg.USPSEnabled,
	} {
		if !enabled {
			registry.MarkDisabled(name)
		}
	}

	return registry
}

func notifyConfig(cfg *config.Config) notify.Config {
	types := make([]carrier.EventType, 0, len(cfg.NotifyEventTypes))
	for _, t := range cfg.NotifyEventTypes {
		types = append(types, carrier.EventType(t))
	}
	return notify.Config{
		Enabled:          cfg.NotifyEnabled,
		EventTypes:       types,
		RequireTrackLink: cfg.NotifyRequireTrackLink,
	}
}

// logSender is the default notification sender: it logs what the host
// mailer would deliver. Deployments swap in a real Sender.
type logSender struct {
	logger *otelzap.Logger
}

func (s *logSender) Send(ctx context.Context, e *carrier.TrackingEvent) error {
	s.logger.Info("Shipment notification",
		zap.String("tracking_number", e.TrackingNumber),
		zap.String("carrier", e.CarrierCode),
		zap.String("event_type", string(e.EventType)),
		zap.String("description", e.Description),
	)
	return nil
}

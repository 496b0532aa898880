// Package server exposes the HTTP surface: carrier webhook intake,
// rate quoting, label retrieval, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/internal/labels"
	"github.com/parcelgrid/carrierbridge/internal/quote"
	"github.com/parcelgrid/carrierbridge/internal/telemetry"
	"github.com/parcelgrid/carrierbridge/internal/webhook"
	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

// maxWebhookBody bounds inbound webhook payloads. Carrier pushes are
// small; anything past this is not a legitimate delivery.
const maxWebhookBody = 1 << 20

// LabelSource fetches a persisted label image by tracking number. The
// host owns label storage; a nil image means not found.
type LabelSource interface {
	GetLabel(ctx context.Context, trackingNumber string) ([]byte, error)
}

// SubscriptionEnsurer registers a booked shipment for carrier push
// tracking.
type SubscriptionEnsurer interface {
	Ensure(ctx context.Context, carrierCode, trackingNumber string) (*carrier.Subscription, error)
}

// Server is the HTTP server for the carrier integration service.
type Server struct {
	port     int
	registry *carrier.Registry
	gateway  *webhook.Gateway
	quotes   *quote.Service
	subs     SubscriptionEnsurer
	labelSrc LabelSource
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics
}

// Config holds server configuration.
type Config struct {
	Port int
}

// New creates a new server instance. subs may be nil when no webhook
// callback URL is configured, and labelSrc may be nil when the host
// does not persist label images.
func New(cfg Config, registry *carrier.Registry, gateway *webhook.Gateway, quotes *quote.Service, subs SubscriptionEnsurer, labelSrc LabelSource, logger *otelzap.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		port:     cfg.Port,
		registry: registry,
		gateway:  gateway,
		quotes:   quotes,
		subs:     subs,
		labelSrc: labelSrc,
		logger:   logger,
		metrics:  metrics,
	}
}

// Router builds the HTTP handler. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/{carrier}", s.handleWebhook)
	r.Post("/quotes", s.handleQuotes)
	r.Post("/labels", s.handleCreateLabel)
	r.Get("/labels/{trackingNumber}", s.handleLabel)

	return r
}

// Run starts the HTTP server and blocks until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.Int("port", s.port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type webhookResponse struct {
	Success         bool   `json:"success"`
	EventsProcessed *int   `json:"events_processed,omitempty"`
	Message         string `json:"message,omitempty"`
}

// handleWebhook ingests one carrier push. The raw body is captured
// before any parsing so per-carrier signature validation sees the
// exact bytes the carrier signed.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	carrierName := chi.URLParam(r, "carrier")
	if carrierName == "" {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Success: false, Message: "missing carrier"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Success: false, Message: "reading request body"})
		return
	}

	res, err := s.gateway.Handle(r.Context(), carrierName, raw, r.Header)
	if err != nil {
		status := webhookStatus(err)
		s.metrics.RecordRequest("webhook", carrierName, fmt.Sprintf("%d", status), time.Since(start).Seconds())
		writeJSON(w, status, webhookResponse{Success: false, Message: err.Error()})
		return
	}

	s.metrics.RecordRequest("webhook", carrierName, "200", time.Since(start).Seconds())
	processed := res.EventsProcessed
	writeJSON(w, http.StatusOK, webhookResponse{Success: true, EventsProcessed: &processed})
}

// webhookStatus maps pipeline errors onto the webhook response
// contract: 404 unknown carrier, 401 bad signature, 400 malformed
// payload, 503 for a disabled carrier or a transient failure so the
// carrier redelivers, 500 otherwise.
func webhookStatus(err error) int {
	switch {
	case errors.Is(err, carrier.ErrCarrierNotFound):
		return http.StatusNotFound
	case errors.Is(err, carrier.ErrCarrierDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, carrier.ErrBadSignature):
		return http.StatusUnauthorized
	}
	switch carrier.KindOf(err) {
	case carrier.KindParse, carrier.KindValidation:
		return http.StatusBadRequest
	case carrier.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type quoteErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Wire shapes for the quotes endpoint. Domain models stay untagged;
// the HTTP contract is pinned here.
type addressPayload struct {
	Name        string `json:"name,omitempty"`
	Company     string `json:"company,omitempty"`
	Line1       string `json:"line1,omitempty"`
	Line2       string `json:"line2,omitempty"`
	City        string `json:"city,omitempty"`
	Region      string `json:"region,omitempty"`
	PostalCode  string `json:"postal_code"`
	CountryCode string `json:"country_code"`
	Residential bool   `json:"residential,omitempty"`
}

type quotePayload struct {
	StoreID      string         `json:"store_id"`
	SessionID    string         `json:"session_id,omitempty"`
	CartID       string         `json:"cart_id,omitempty"`
	Origin       addressPayload `json:"origin"`
	Destination  addressPayload `json:"destination"`
	WeightLb     float64        `json:"weight_lb"`
	PackageType  string         `json:"package_type,omitempty"`
	CartSubtotal float64        `json:"cart_subtotal,omitempty"`
}

type ratePayload struct {
	CarrierCode string  `json:"carrier_code"`
	MethodCode  string  `json:"method_code"`
	Title       string  `json:"title"`
	Price       float64 `json:"price"`
}

type transitPayload struct {
	BusinessDaysMin *int   `json:"business_days_min"`
	BusinessDaysMax *int   `json:"business_days_max"`
	DeliveryDate    string `json:"delivery_date,omitempty"`
	Guaranteed      bool   `json:"guaranteed"`
}

type quoteResponsePayload struct {
	Success bool                      `json:"success"`
	Rates   []ratePayload             `json:"rates"`
	Transit map[string]transitPayload `json:"transit"`
}

func toAddress(p addressPayload) carrier.Address {
	return carrier.Address{
		Name:        p.Name,
		Company:     p.Company,
		Line1:       p.Line1,
		Line2:       p.Line2,
		City:        p.City,
		Region:      p.Region,
		PostalCode:  p.PostalCode,
		CountryCode: p.CountryCode,
		Residential: p.Residential,
	}
}

func toQuoteResponse(res *carrier.QuoteResult) quoteResponsePayload {
	out := quoteResponsePayload{
		Success: true,
		Rates:   make([]ratePayload, 0, len(res.Rates)),
		Transit: make(map[string]transitPayload, len(res.Transit)),
	}
	for _, r := range res.Rates {
		out.Rates = append(out.Rates, ratePayload{
			CarrierCode: r.CarrierCode,
			MethodCode:  r.MethodCode,
			Title:       r.Title,
			Price:       r.Price,
		})
	}
	for key, est := range res.Transit {
		tp := transitPayload{
			BusinessDaysMin: est.BusinessDaysMin,
			BusinessDaysMax: est.BusinessDaysMax,
			Guaranteed:      est.Guaranteed,
		}
		if est.DeliveryDate != nil {
			tp.DeliveryDate = est.DeliveryDate.Format("2006-01-02")
		}
		out.Transit[key] = tp
	}
	return out
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var payload quotePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, quoteErrorResponse{Message: "invalid JSON: " + err.Error()})
		return
	}
	if payload.Destination.PostalCode == "" || payload.Destination.CountryCode == "" {
		writeJSON(w, http.StatusBadRequest, quoteErrorResponse{Message: "destination postal code and country are required"})
		return
	}

	req := &carrier.QuoteRequest{
		StoreID:      payload.StoreID,
		SessionID:    payload.SessionID,
		CartID:       payload.CartID,
		Origin:       toAddress(payload.Origin),
		Destination:  toAddress(payload.Destination),
		WeightLb:     payload.WeightLb,
		PackageType:  payload.PackageType,
		CartSubtotal: payload.CartSubtotal,
	}

	res, err := s.quotes.GetQuotes(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		msg := "quoting failed"
		switch {
		case carrier.KindOf(err) == carrier.KindValidation:
			status = http.StatusBadRequest
			msg = err.Error()
		case errors.Is(err, carrier.ErrCarrierNotFound), carrier.IsTransient(err):
			// No live rates and no stale fallback. Never fabricate a
			// price; tell the caller shipping is unavailable.
			status = http.StatusServiceUnavailable
			msg = "carrier unavailable"
		}
		s.metrics.RecordRequest("quote", "all", fmt.Sprintf("%d", status), time.Since(start).Seconds())
		writeJSON(w, status, quoteErrorResponse{Message: msg})
		return
	}

	s.metrics.RecordRequest("quote", "all", "200", time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, toQuoteResponse(res))
}

type dimensionsPayload struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type labelPayload struct {
	Carrier     string            `json:"carrier"`
	StoreID     string            `json:"store_id,omitempty"`
	OrderRef    string            `json:"order_ref,omitempty"`
	MethodCode  string            `json:"method_code"`
	Shipper     addressPayload    `json:"shipper"`
	Recipient   addressPayload    `json:"recipient"`
	WeightLb    float64           `json:"weight_lb"`
	Dimensions  dimensionsPayload `json:"dimensions"`
	PackageType string            `json:"package_type,omitempty"`
	Format      string            `json:"format,omitempty"`
	Reference   string            `json:"reference,omitempty"`
}

type labelResponsePayload struct {
	Success        bool    `json:"success"`
	TrackingNumber string  `json:"tracking_number"`
	CarrierCode    string  `json:"carrier_code"`
	MethodCode     string  `json:"method_code"`
	Format         string  `json:"format"`
	Image          []byte  `json:"image"`
	Cost           float64 `json:"cost"`
	Currency       string  `json:"currency,omitempty"`
}

// labelStatus maps booking errors: 404 unknown carrier, 503 for a
// disabled carrier or a transient failure, 400 for a request the
// carrier rejected as invalid, 502 when the carrier answered with
// something unusable.
func labelStatus(err error) int {
	switch {
	case errors.Is(err, carrier.ErrCarrierNotFound):
		return http.StatusNotFound
	case errors.Is(err, carrier.ErrCarrierDisabled):
		return http.StatusServiceUnavailable
	}
	switch carrier.KindOf(err) {
	case carrier.KindValidation:
		return http.StatusBadRequest
	case carrier.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// handleCreateLabel books a shipment with the named carrier. The
// returned label is reconciled against its bytes, and the tracking
// number is registered for push tracking when a subscription manager
// is wired. Registration failures never fail the booking; the
// subscription sweep retries them.
func (s *Server) handleCreateLabel(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var payload labelPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, quoteErrorResponse{Message: "invalid JSON: " + err.Error()})
		return
	}
	if payload.Carrier == "" || payload.MethodCode == "" {
		writeJSON(w, http.StatusBadRequest, quoteErrorResponse{Message: "carrier and method_code are required"})
		return
	}
	if payload.Recipient.PostalCode == "" || payload.Recipient.CountryCode == "" {
		writeJSON(w, http.StatusBadRequest, quoteErrorResponse{Message: "recipient postal code and country are required"})
		return
	}

	c, err := s.registry.Get(payload.Carrier)
	if err != nil {
		status := labelStatus(err)
		s.metrics.RecordRequest("label", payload.Carrier, fmt.Sprintf("%d", status), time.Since(start).Seconds())
		writeJSON(w, status, quoteErrorResponse{Message: err.Error()})
		return
	}

	label, err := c.CreateLabel(r.Context(), &carrier.LabelRequest{
		StoreID:    payload.StoreID,
		OrderRef:   payload.OrderRef,
		MethodCode: payload.MethodCode,
		Shipper:    toAddress(payload.Shipper),
		Recipient:  toAddress(payload.Recipient),
		WeightLb:   payload.WeightLb,
		Dimensions: carrier.Dimensions{
			Length: payload.Dimensions.Length,
			Width:  payload.Dimensions.Width,
			Height: payload.Dimensions.Height,
		},
		PackageType: payload.PackageType,
		Format:      carrier.LabelFormat(payload.Format),
		Reference:   payload.Reference,
	})
	if err != nil {
		status := labelStatus(err)
		s.logger.Warn("Label booking failed",
			zap.String("carrier", payload.Carrier),
			zap.String("method", payload.MethodCode),
			zap.Error(err),
		)
		s.metrics.RecordRequest("label", payload.Carrier, fmt.Sprintf("%d", status), time.Since(start).Seconds())
		writeJSON(w, status, quoteErrorResponse{Message: "label booking failed"})
		return
	}

	labels.Reconcile(label)

	if s.subs != nil {
		if _, err := s.subs.Ensure(r.Context(), label.CarrierCode, label.TrackingNumber); err != nil {
			s.logger.Warn("Tracking subscription not registered",
				zap.String("carrier", label.CarrierCode),
				zap.String("tracking_number", label.TrackingNumber),
				zap.Error(err),
			)
		}
	}

	s.metrics.RecordRequest("label", payload.Carrier, "200", time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, labelResponsePayload{
		Success:        true,
		TrackingNumber: label.TrackingNumber,
		CarrierCode:    label.CarrierCode,
		MethodCode:     label.MethodCode,
		Format:         string(label.Format),
		Image:          label.Image,
		Cost:           label.Cost,
		Currency:       label.Currency,
	})
}

// handleLabel serves a stored label image with a content type sniffed
// from its magic bytes rather than trusting what the carrier reported.
func (s *Server) handleLabel(w http.ResponseWriter, r *http.Request) {
	if s.labelSrc == nil {
		http.NotFound(w, r)
		return
	}
	trackingNumber := chi.URLParam(r, "trackingNumber")

	image, err := s.labelSrc.GetLabel(r.Context(), trackingNumber)
	if err != nil {
		s.logger.Error("Label lookup failed", zap.String("tracking_number", trackingNumber), zap.Error(err))
		http.Error(w, "label lookup failed", http.StatusInternalServerError)
		return
	}
	if len(image) == 0 {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", labels.ContentType(labels.DetectFormat(image)))
	w.WriteHeader(http.StatusOK)
	w.Write(image)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

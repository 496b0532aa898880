package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/internal/broker/kafka"
	"github.com/parcelgrid/carrierbridge/internal/cache/ratecache"
	"github.com/parcelgrid/carrierbridge/internal/cache/transitstore"
	"github.com/parcelgrid/carrierbridge/internal/notify"
	"github.com/parcelgrid/carrierbridge/internal/quote"
	"github.com/parcelgrid/carrierbridge/internal/server"
	"github.com/parcelgrid/carrierbridge/internal/storage/pgevents"
	"github.com/parcelgrid/carrierbridge/internal/subscription"
	"github.com/parcelgrid/carrierbridge/internal/telemetry"
	"github.com/parcelgrid/carrierbridge/internal/webhook"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/token"
)

var version = "0.0.1"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "carrierbridge",
	Short:   "Multi-carrier shipping integration service",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

var notifyPendingCmd = &cobra.Command{
	Use:   "notify-pending",
	Short: "Dispatch notifications for events not yet notified",
	RunE:  runNotifyPending,
}

var sweepSubscriptionsCmd = &cobra.Command{
	Use:   "sweep-subscriptions",
	Short: "Renew carrier webhook subscriptions nearing expiry",
	RunE:  runSweepSubscriptions,
}

var (
	notifyLimit int
	sweepLimit  int
)

func init() {
	notifyPendingCmd.Flags().IntVar(&notifyLimit, "limit", 100, "maximum events to process")
	sweepSubscriptionsCmd.Flags().IntVar(&sweepLimit, "limit", 100, "maximum subscriptions to renew")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(notifyPendingCmd)
	rootCmd.AddCommand(sweepSubscriptionsCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tracer, tracerShutdown, err := initTracer(ctx, cfg)
	if err != nil {
		logger.Warn("Failed to initialize tracer", zap.Error(err))
	} else {
		defer tracerShutdown(ctx)
	}

	if cfg.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required")
	}
	storage, err := pgevents.New(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer storage.Close()

	tokens := token.NewStore(tokenBufferSeconds)
	registry := initCarrierRegistry(cfg, tokens, logger, tracer)
	metrics := telemetry.NewMetrics()

	cache := ratecache.New(cfg.RedisAddr, cfg.RateCacheTTL)
	transit := transitstore.New(cfg.RedisAddr, cfg.TransitStoreTTL)

	var announcer webhook.Announcer
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		announcer = producer
	}

	dispatcher := notify.New(notifyConfig(cfg), &logSender{logger: logger}, storage, logger, metrics)
	gateway := webhook.New(registry, storage, announcer, dispatcher, logger, metrics)
	quotes := quote.New(registry, cache, transit, logger, metrics)

	var subs server.SubscriptionEnsurer
	if cfg.WebhookCallbackURL != "" {
		subs = subscription.New(registry, storage, cfg.WebhookCallbackURL, cfg.SubscriptionRenew, logger)
	}

	logger.Info("Starting carrierbridge",
		zap.Int("port", cfg.Port),
		zap.String("version", cfg.Version),
	)

	srv := server.New(server.Config{Port: cfg.Port}, registry, gateway, quotes, subs, nil, logger, metrics)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func runNotifyPending(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required")
	}
	storage, err := pgevents.New(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer storage.Close()

	metrics := telemetry.NewMetrics()
	dispatcher := notify.New(notifyConfig(cfg), &logSender{logger: logger}, storage, logger, metrics)

	sent, err := dispatcher.ProcessPending(ctx, notifyLimit)
	if err != nil {
		return err
	}
	logger.Info("Pending notifications processed", zap.Int("sent", sent))
	return nil
}

func runSweepSubscriptions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tracer, tracerShutdown, err := initTracer(ctx, cfg)
	if err != nil {
		logger.Warn("Failed to initialize tracer", zap.Error(err))
	} else {
		defer tracerShutdown(ctx)
	}

	if cfg.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required")
	}
	if cfg.WebhookCallbackURL == "" {
		return errors.New("WEBHOOK_CALLBACK_URL is required")
	}
	storage, err := pgevents.New(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer storage.Close()

	tokens := token.NewStore(tokenBufferSeconds)
	registry := initCarrierRegistry(cfg, tokens, logger, tracer)

	manager := subscription.New(registry, storage, cfg.WebhookCallbackURL, cfg.SubscriptionRenew, logger)
	renewed, err := manager.Sweep(ctx, cfg.SubscriptionRenew, sweepLimit)
	if err != nil {
		return err
	}
	logger.Info("Subscription sweep finished", zap.Int("renewed", renewed))
	return nil
}

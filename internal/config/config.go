package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds all configuration for the service.
type Config struct {
	// Server
	Port     int    `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Store scope; a deployment serves one store.
	StoreID string `envconfig:"STORE_ID" default:"default"`

	// UPS
	UPSClientID      string `envconfig:"UPS_CLIENT_ID"`
	UPSClientSecret  string `envconfig:"UPS_CLIENT_SECRET"`
	UPSAccountNumber string `envconfig:"UPS_ACCOUNT_NUMBER"`
	UPSEnvironment   string `envconfig:"UPS_ENVIRONMENT" default:"sandbox"`
	UPSWebhookSecret string `envconfig:"UPS_WEBHOOK_SECRET"`
	UPSEnabled       bool   `envconfig:"UPS_ENABLED" default:"true"`
	UPSUseMock       bool   `envconfig:"UPS_USE_MOCK" default:"false"`

	// FedEx
	FedExClientID      string `envconfig:"FEDEX_CLIENT_ID"`
	FedExClientSecret  string `envconfig:"FEDEX_CLIENT_SECRET"`
	FedExAccountNumber string `envconfig:"FEDEX_ACCOUNT_NUMBER"`
	FedExEnvironment   string `envconfig:"FEDEX_ENVIRONMENT" default:"sandbox"`
	FedExWebhookSecret string `envconfig:"FEDEX_WEBHOOK_SECRET"`
	FedExEnabled       bool   `envconfig:"FEDEX_ENABLED" default:"true"`
	FedExUseMock       bool   `envconfig:"FEDEX_USE_MOCK" default:"false"`

	// USPS
	USPSClientID      string `envconfig:"USPS_CLIENT_ID"`
	USPSClientSecret  string `envconfig:"USPS_CLIENT_SECRET"`
	USPSCRID          string `envconfig:"USPS_CRID"`
	USPSMID           string `envconfig:"USPS_MID"`
	USPSAccountNumber string `envconfig:"USPS_ACCOUNT_NUMBER"`
	USPSEnvironment   string `envconfig:"USPS_ENVIRONMENT" default:"sandbox"`
	USPSWebhookSecret string `envconfig:"USPS_WEBHOOK_SECRET"`
	USPSEnabled       bool   `envconfig:"USPS_ENABLED" default:"true"`
	USPSUseMock       bool   `envconfig:"USPS_USE_MOCK" default:"false"`

	// Pricing, applied uniformly across carriers
	HandlingFee           float64 `envconfig:"HANDLING_FEE" default:"0"`
	FreeShippingThreshold float64 `envconfig:"FREE_SHIPPING_THRESHOLD" default:"0"`
	MaxWeightLb           float64 `envconfig:"MAX_WEIGHT_LB" default:"150"`

	// Pickup schedule used for delivery-date projection
	CutoffHour int `envconfig:"CUTOFF_HOUR" default:"14"`
	PickupHour int `envconfig:"PICKUP_HOUR" default:"16"`
	GraceDays  int `envconfig:"GRACE_DAYS" default:"0"`

	// Redis
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RateCacheTTL    time.Duration `envconfig:"RATE_CACHE_TTL" default:"30m"`
	TransitStoreTTL time.Duration `envconfig:"TRANSIT_STORE_TTL" default:"2h"`

	// Postgres
	PostgresDSN string `envconfig:"POSTGRES_DSN"`

	// Kafka
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"tracking-events"`

	// Webhook subscriptions
	WebhookCallbackURL string        `envconfig:"WEBHOOK_CALLBACK_URL"`
	SubscriptionRenew  time.Duration `envconfig:"SUBSCRIPTION_RENEW_WITHIN" default:"168h"`

	// Notifications
	NotifyEnabled          bool     `envconfig:"NOTIFY_ENABLED" default:"true"`
	NotifyEventTypes       []string `envconfig:"NOTIFY_EVENT_TYPES"`
	NotifyRequireTrackLink bool     `envconfig:"NOTIFY_REQUIRE_TRACK_LINK" default:"true"`

	// Telemetry
	OTELEnabled  bool   `envconfig:"OTEL_ENABLED" default:"true"`
	OTELEndpoint string `envconfig:"OTEL_ENDPOINT" default:"http://localhost:4318"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"carrierbridge"`
	Version      string `envconfig:"SERVICE_VERSION" default:"0.0.1"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// Attributes returns OpenTelemetry attributes for this configuration.
func (c *Config) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.Version),
		attribute.Bool("ups.enabled", c.UPSEnabled),
		attribute.Bool("fedex.enabled", c.FedExEnabled),
		attribute.Bool("usps.enabled", c.USPSEnabled),
	}
}

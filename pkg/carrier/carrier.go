// Package carrier provides an abstraction layer for parcel carriers.
package carrier

import (
	"context"
	"net/http"
)

// Carrier defines the interface that all carrier integrations must implement.
type Carrier interface {
	// Name returns the carrier identifier (e.g., "ups", "fedex", "usps").
	Name() string

	// Quote returns shipping rates and transit estimates for a request.
	// A response with zero usable rates is an empty success, not an error.
	Quote(ctx context.Context, req *QuoteRequest) (*QuoteResult, error)

	// CreateLabel books a shipment with the carrier and returns the label.
	// Never retried automatically: a duplicate attempt may create a
	// duplicate physical shipment on the carrier side.
	CreateLabel(ctx context.Context, req *LabelRequest) (*Label, error)

	// VoidLabel cancels a previously created shipment.
	VoidLabel(ctx context.Context, trackingNumber string) error
}

// WebhookHandler is implemented by carriers that push tracking events.
// Verification always runs over the raw, unparsed body.
type WebhookHandler interface {
	// VerifyWebhook authenticates an inbound callback. A nil return means
	// the payload may be parsed; any error means the request is discarded.
	VerifyWebhook(raw []byte, header http.Header) error

	// ParseWebhook decodes a carrier payload into canonical tracking
	// events. Malformed individual events are skipped so that valid
	// siblings in the same payload survive.
	ParseWebhook(raw []byte) ([]TrackingEvent, error)
}

// Subscriber is implemented by carriers that require an explicit push
// subscription per tracking number or account.
type Subscriber interface {
	// SubscribeTracking registers callbackURL for push notifications on
	// the given tracking number and returns the resulting subscription.
	SubscribeTracking(ctx context.Context, trackingNumber, callbackURL string) (*Subscription, error)
}

// Package fake provides a configurable in-memory carrier for tests.
package fake

import (
	"context"
	"net/http"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

// Carrier is a test double implementing carrier.Carrier and the
// optional webhook/subscription interfaces. Zero value behavior
// returns one ground rate; override the On* hooks to customize.
type Carrier struct {
	CarrierName string

	OnQuote       func(ctx context.Context, req *carrier.QuoteRequest) (*carrier.QuoteResult, error)
	OnCreateLabel func(ctx context.Context, req *carrier.LabelRequest) (*carrier.Label, error)
	OnVoidLabel   func(ctx context.Context, trackingNumber string) error
	OnVerify      func(raw []byte, header http.Header) error
	OnParse       func(raw []byte) ([]carrier.TrackingEvent, error)
	OnSubscribe   func(ctx context.Context, trackingNumber, callbackURL string) (*carrier.Subscription, error)
}

// New creates a fake carrier with the given name.
func New(name string) *Carrier {
	return &Carrier{CarrierName: name}
}

func (c *Carrier) Name() string {
	return c.CarrierName
}

func (c *Carrier) Quote(ctx context.Context, req *carrier.QuoteRequest) (*carrier.QuoteResult, error) {
	if c.OnQuote != nil {
		return c.OnQuote(ctx, req)
	}
	res := &carrier.QuoteResult{
		Rates: []carrier.Rate{
			{CarrierCode: c.CarrierName, MethodCode: "ground", Title: "Ground", Price: 9.99, Cost: 9.99},
		},
	}
	carrier.EnsureTransitCoverage(res)
	return res, nil
}

func (c *Carrier) CreateLabel(ctx context.Context, req *carrier.LabelRequest) (*carrier.Label, error) {
	if c.OnCreateLabel != nil {
		return c.OnCreateLabel(ctx, req)
	}
	return &carrier.Label{
		TrackingNumber: "FAKE0000000001",
		CarrierCode:    c.CarrierName,
		MethodCode:     req.MethodCode,
		Format:         carrier.LabelPDF,
		Image:          []byte("%PDF-fake"),
	}, nil
}

func (c *Carrier) VoidLabel(ctx context.Context, trackingNumber string) error {
	if c.OnVoidLabel != nil {
		return c.OnVoidLabel(ctx, trackingNumber)
	}
	return nil
}

func (c *Carrier) VerifyWebhook(raw []byte, header http.Header) error {
	if c.OnVerify != nil {
		return c.OnVerify(raw, header)
	}
	return nil
}

func (c *Carrier) ParseWebhook(raw []byte) ([]carrier.TrackingEvent, error) {
	if c.OnParse != nil {
		return c.OnParse(raw)
	}
	return nil, nil
}

func (c *Carrier) SubscribeTracking(ctx context.Context, trackingNumber, callbackURL string) (*carrier.Subscription, error) {
	if c.OnSubscribe != nil {
		return c.OnSubscribe(ctx, trackingNumber, callbackURL)
	}
	return &carrier.Subscription{
		CarrierCode: c.CarrierName,
		Type:        carrier.SubscriptionTracking,
		Target:      trackingNumber,
		CallbackURL: callbackURL,
		Status:      carrier.SubscriptionActive,
	}, nil
}

var (
	_ carrier.Carrier        = (*Carrier)(nil)
	_ carrier.WebhookHandler = (*Carrier)(nil)
	_ carrier.Subscriber     = (*Carrier)(nil)
)

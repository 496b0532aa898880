// Package webhook processes inbound carrier tracking pushes: verify
// the signature, parse, deduplicate against storage, and hand the new
// events to downstream consumers.
package webhook

import (
	"context"
	"net/http"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/internal/telemetry"
	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

// EventStore persists tracking events with at-most-once semantics per
// deduplication key.
type EventStore interface {
	InsertEvent(ctx context.Context, e *carrier.TrackingEvent) (bool, error)
}

// Announcer publishes newly persisted events to downstream systems.
type Announcer interface {
	Announce(ctx context.Context, e *carrier.TrackingEvent) error
}

// Notifier attempts customer notification for a newly persisted
// event. Failures never roll back persistence; the pending sweep is
// the retry path.
type Notifier interface {
	Notify(ctx context.Context, e *carrier.TrackingEvent) error
}

// Result summarizes one webhook delivery. EventsProcessed counts only
// newly persisted events; replays of already-seen events land in
// EventsDuplicate and still succeed.
type Result struct {
	EventsProcessed int
	EventsDuplicate int
}

// Gateway runs the webhook pipeline for all registered carriers.
type Gateway struct {
	registry  *carrier.Registry
	store     EventStore
	announcer Announcer
	notifier  Notifier
	logger    *otelzap.Logger
	metrics   *telemetry.Metrics
}

// New creates a webhook gateway. announcer may be nil when no broker
// is configured, and notifier may be nil when the host dispatches
// notifications out of process.
func New(registry *carrier.Registry, store EventStore, announcer Announcer, notifier Notifier, logger *otelzap.Logger, metrics *telemetry.Metrics) *Gateway {
	return &Gateway{
		registry:  registry,
		store:     store,
		announcer: announcer,
		notifier:  notifier,
		logger:    logger,
		metrics:   metrics,
	}
}

// Handle processes one webhook delivery for the named carrier.
//
// Error classification drives the HTTP response upstream: an unknown
// carrier is carrier.ErrCarrierNotFound, a bad signature is
// carrier.ErrBadSignature, an unparseable payload is a parse-kind
// error, and a storage failure is transient so the carrier retries
// the delivery.
func (g *Gateway) Handle(ctx context.Context, carrierName string, raw []byte, header http.Header) (*Result, error) {
	handler, err := g.registry.Webhook(carrierName)
	if err != nil {
		g.metrics.RecordWebhookEvent(carrierName, "rejected")
		return nil, err
	}

	if err := handler.VerifyWebhook(raw, header); err != nil {
		g.logger.Warn("Webhook signature rejected", zap.String("carrier", carrierName))
		g.metrics.RecordWebhookEvent(carrierName, "rejected")
		return nil, err
	}

	events, err := handler.ParseWebhook(raw)
	if err != nil {
		g.logger.Warn("Webhook payload rejected",
			zap.String("carrier", carrierName),
			zap.Error(err),
		)
		g.metrics.RecordWebhookEvent(carrierName, "rejected")
		return nil, err
	}

	res := &Result{}
	for i := range events {
		ev := &events[i]

		inserted, err := g.store.InsertEvent(ctx, ev)
		if err != nil {
			// Surface as transient so the carrier redelivers; the
			// dedup index absorbs any events already persisted.
			return nil, carrier.NewError(carrierName, carrier.KindTransient, "STORE",
				"persisting tracking event").WithCause(err)
		}
		if !inserted {
			res.EventsDuplicate++
			g.metrics.RecordWebhookEvent(carrierName, "duplicate")
			continue
		}

		res.EventsProcessed++
		g.metrics.RecordWebhookEvent(carrierName, "persisted")
		g.logger.Info("Tracking event persisted",
			zap.String("carrier", carrierName),
			zap.String("dedup_key", ev.DedupKey()),
			zap.String("event_type", string(ev.EventType)),
		)

		if g.announcer != nil {
			if err := g.announcer.Announce(ctx, ev); err != nil {
				// Broker publication is best-effort; the notifier
				// sweeps unannounced events from storage anyway.
				g.logger.Warn("Event announcement failed",
					zap.String("carrier", carrierName),
					zap.String("dedup_key", ev.DedupKey()),
					zap.Error(err),
				)
			}
		}

		if g.notifier != nil {
			if err := g.notifier.Notify(ctx, ev); err != nil {
				// The event stays unmarked, so the pending sweep
				// picks it up.
				g.logger.Warn("Event notification failed",
					zap.String("carrier", carrierName),
					zap.String("dedup_key", ev.DedupKey()),
					zap.Error(err),
				)
			}
		}
	}
	return res, nil
}

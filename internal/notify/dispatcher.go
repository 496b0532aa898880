// Package notify decides which tracking events warrant a customer
// notification and dispatches them through a pluggable sender.
package notify

import (
	"context"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/internal/telemetry"
	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

// Sender delivers one notification. Implementations wrap the host
// platform's mailer or push channel.
type Sender interface {
	Send(ctx context.Context, e *carrier.TrackingEvent) error
}

// PendingStore lists events awaiting notification and records
// attempts.
type PendingStore interface {
	ListUnnotified(ctx context.Context, limit int) ([]*carrier.TrackingEvent, error)
	MarkEmailSent(ctx context.Context, eventID int64) error
}

// Config controls notification policy.
type Config struct {
	// Enabled gates all notifications globally.
	Enabled bool
	// EventTypes is the allow-list of event types worth notifying;
	// empty means every type notifies.
	EventTypes []carrier.EventType
	// RequireTrackLink skips events not yet linked to a shipment
	// track row, since there is no order to notify about.
	RequireTrackLink bool
}

// Dispatcher applies notification policy to tracking events.
type Dispatcher struct {
	cfg     Config
	sender  Sender
	store   PendingStore
	logger  *otelzap.Logger
	metrics *telemetry.Metrics

	allowed map[carrier.EventType]bool
}

// New creates a dispatcher.
func New(cfg Config, sender Sender, store PendingStore, logger *otelzap.Logger, metrics *telemetry.Metrics) *Dispatcher {
	allowed := make(map[carrier.EventType]bool, len(cfg.EventTypes))
	for _, t := range cfg.EventTypes {
		allowed[t] = true
	}
	return &Dispatcher{
		cfg:     cfg,
		sender:  sender,
		store:   store,
		logger:  logger,
		metrics: metrics,
		allowed: allowed,
	}
}

// ShouldNotify reports whether the event passes notification policy.
func (d *Dispatcher) ShouldNotify(e *carrier.TrackingEvent) bool {
	if !d.cfg.Enabled {
		return false
	}
	if d.cfg.RequireTrackLink && e.TrackID == nil {
		return false
	}
	if len(d.allowed) == 0 {
		return true
	}
	return d.allowed[e.EventType]
}

// Dispatch sends a notification for one event if policy allows.
// Returns whether a send was attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, e *carrier.TrackingEvent) (bool, error) {
	if !d.ShouldNotify(e) {
		d.metrics.RecordNotification(e.CarrierCode, "skipped")
		return false, nil
	}

	if err := d.sender.Send(ctx, e); err != nil {
		d.metrics.RecordNotification(e.CarrierCode, "failed")
		return true, err
	}
	d.metrics.RecordNotification(e.CarrierCode, "sent")
	return true, nil
}

// Notify handles one newly persisted event synchronously: dispatch
// per policy, marking the event attempted only after a successful
// send. Failed or currently ineligible events stay unmarked so the
// pending sweep reevaluates them, e.g. after the host links the event
// to an order.
func (d *Dispatcher) Notify(ctx context.Context, e *carrier.TrackingEvent) error {
	attempted, err := d.Dispatch(ctx, e)
	if err != nil {
		return err
	}
	if !attempted {
		return nil
	}
	return d.store.MarkEmailSent(ctx, e.ID)
}

// ProcessPending sweeps events awaiting notification. Every event is
// marked attempted whether or not its send succeeded: a carrier event
// is notified at most once, and a broken sender must not replay stale
// notifications at customers when it recovers.
func (d *Dispatcher) ProcessPending(ctx context.Context, limit int) (int, error) {
	pending, err := d.store.ListUnnotified(ctx, limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, e := range pending {
		attempted, err := d.Dispatch(ctx, e)
		if err != nil {
			d.logger.Warn("Notification send failed",
				zap.Int64("event_id", e.ID),
				zap.String("dedup_key", e.DedupKey()),
				zap.Error(err),
			)
		} else if attempted {
			sent++
		}

		if err := d.store.MarkEmailSent(ctx, e.ID); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

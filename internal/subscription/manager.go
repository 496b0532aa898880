// Package subscription keeps carrier webhook registrations alive:
// registering tracking numbers on first sight and renewing
// registrations before carriers expire them.
package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

// Store persists subscription state.
type Store interface {
	GetSubscription(ctx context.Context, carrierCode string, subType carrier.SubscriptionType, target string) (*carrier.Subscription, error)
	SaveSubscription(ctx context.Context, sub *carrier.Subscription) (*carrier.Subscription, error)
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*carrier.Subscription, error)
	MarkSubscriptionStatus(ctx context.Context, id int64, status carrier.SubscriptionStatus) error
}

// Manager registers and renews tracking subscriptions.
type Manager struct {
	registry    *carrier.Registry
	store       Store
	callbackURL string
	// renewWithin is how close to expiry a subscription may get
	// before Ensure re-registers it.
	renewWithin time.Duration
	logger      *otelzap.Logger
	now         func() time.Time
}

// New creates a subscription manager. callbackURL is the externally
// reachable webhook base; the carrier name is appended per
// registration.
func New(registry *carrier.Registry, store Store, callbackURL string, renewWithin time.Duration, logger *otelzap.Logger) *Manager {
	return &Manager{
		registry:    registry,
		store:       store,
		callbackURL: callbackURL,
		renewWithin: renewWithin,
		logger:      logger,
		now:         time.Now,
	}
}

// Ensure guarantees an active subscription for the tracking number,
// registering with the carrier only when none exists or the existing
// one is about to lapse. Carriers without push support are a no-op.
func (m *Manager) Ensure(ctx context.Context, carrierCode, trackingNumber string) (*carrier.Subscription, error) {
	c, err := m.registry.Get(carrierCode)
	if err != nil {
		return nil, err
	}
	sub, ok := c.(carrier.Subscriber)
	if !ok {
		return nil, nil
	}

	existing, err := m.store.GetSubscription(ctx, carrierCode, carrier.SubscriptionTracking, trackingNumber)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == carrier.SubscriptionActive &&
		existing.ExpiresAt.After(m.now().Add(m.renewWithin)) {
		return existing, nil
	}

	return m.register(ctx, sub, carrierCode, trackingNumber)
}

// Sweep renews active subscriptions expiring within the horizon.
// Per-subscription failures are recorded and skipped so one carrier
// outage does not stall the rest of the sweep.
func (m *Manager) Sweep(ctx context.Context, horizon time.Duration, limit int) (renewed int, err error) {
	expiring, err := m.store.ListExpiring(ctx, m.now().Add(horizon), limit)
	if err != nil {
		return 0, err
	}

	for _, s := range expiring {
		c, err := m.registry.Get(s.CarrierCode)
		if err != nil {
			m.logger.Warn("Subscription for unregistered carrier",
				zap.String("carrier", s.CarrierCode),
				zap.String("target", s.Target),
			)
			continue
		}
		sub, ok := c.(carrier.Subscriber)
		if !ok {
			continue
		}

		if _, err := m.register(ctx, sub, s.CarrierCode, s.Target); err != nil {
			m.logger.Warn("Subscription renewal failed",
				zap.String("carrier", s.CarrierCode),
				zap.String("target", s.Target),
				zap.Error(err),
			)
			if markErr := m.store.MarkSubscriptionStatus(ctx, s.ID, carrier.SubscriptionError); markErr != nil {
				return renewed, markErr
			}
			continue
		}
		renewed++
	}
	return renewed, nil
}

func (m *Manager) register(ctx context.Context, sub carrier.Subscriber, carrierCode, trackingNumber string) (*carrier.Subscription, error) {
	created, err := sub.SubscribeTracking(ctx, trackingNumber, m.callbackURL+"/"+carrierCode)
	if err != nil {
		return nil, err
	}
	created.Status = carrier.SubscriptionActive
	if created.SecurityToken == "" {
		created.SecurityToken = uuid.NewString()
	}

	stored, err := m.store.SaveSubscription(ctx, created)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Tracking subscription registered",
		zap.String("carrier", carrierCode),
		zap.String("target", trackingNumber),
		zap.Time("expires_at", stored.ExpiresAt),
	)
	return stored, nil
}

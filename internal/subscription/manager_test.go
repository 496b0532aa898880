package subscription_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/internal/subscription"
	"github.com/parcelgrid/carrierbridge/pkg/carrier"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/fake"
)

type memStore struct {
	subs   map[string]*carrier.Subscription
	nextID int64
	status map[int64]carrier.SubscriptionStatus
}

func newMemStore() *memStore {
	return &memStore{subs: map[string]*carrier.Subscription{}, status: map[int64]carrier.SubscriptionStatus{}}
}

func subKey(carrierCode string, subType carrier.SubscriptionType, target string) string {
	return carrierCode + "/" + string(subType) + "/" + target
}

func (m *memStore) GetSubscription(ctx context.Context, carrierCode string, subType carrier.SubscriptionType, target string) (*carrier.Subscription, error) {
	return m.subs[subKey(carrierCode, subType, target)], nil
}

func (m *memStore) SaveSubscription(ctx context.Context, sub *carrier.Subscription) (*carrier.Subscription, error) {
	key := subKey(sub.CarrierCode, sub.Type, sub.Target)
	stored := *sub
	if existing, ok := m.subs[key]; ok {
		stored.ID = existing.ID
	} else {
		m.nextID++
		stored.ID = m.nextID
	}
	m.subs[key] = &stored
	return &stored, nil
}

func (m *memStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*carrier.Subscription, error) {
	var out []*carrier.Subscription
	for _, s := range m.subs {
		if s.Status == carrier.SubscriptionActive && s.ExpiresAt.Before(before) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) MarkSubscriptionStatus(ctx context.Context, id int64, status carrier.SubscriptionStatus) error {
	m.status[id] = status
	return nil
}

func newManager(store subscription.Store, carriers ...carrier.Carrier) *subscription.Manager {
	reg := carrier.NewRegistry()
	for _, c := range carriers {
		reg.Register(c)
	}
	logger := otelzap.New(zap.NewNop())
	return subscription.New(reg, store, "https://example.com/webhooks", 7*24*time.Hour, logger)
}

func TestManager_Ensure_RegistersOnce(t *testing.T) {
	calls := 0
	fc := fake.New("ups")
	fc.OnSubscribe = func(ctx context.Context, trackingNumber, callbackURL string) (*carrier.Subscription, error) {
		calls++
		assert.Equal(t, "https://example.com/webhooks/ups", callbackURL)
		return &carrier.Subscription{
			CarrierCode: "ups",
			Type:        carrier.SubscriptionTracking,
			Target:      trackingNumber,
			CallbackURL: callbackURL,
			ExpiresAt:   time.Now().Add(120 * 24 * time.Hour),
		}, nil
	}
	store := newMemStore()
	m := newManager(store, fc)

	sub, err := m.Ensure(context.Background(), "ups", "1Z999AA10123456784")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, carrier.SubscriptionActive, sub.Status)
	assert.NotEmpty(t, sub.SecurityToken)

	// A second Ensure for a healthy subscription skips the carrier.
	_, err = m.Ensure(context.Background(), "ups", "1Z999AA10123456784")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestManager_Ensure_RenewsNearExpiry(t *testing.T) {
	calls := 0
	fc := fake.New("ups")
	fc.OnSubscribe = func(ctx context.Context, trackingNumber, callbackURL string) (*carrier.Subscription, error) {
		calls++
		return &carrier.Subscription{
			CarrierCode: "ups",
			Type:        carrier.SubscriptionTracking,
			Target:      trackingNumber,
			ExpiresAt:   time.Now().Add(120 * 24 * time.Hour),
		}, nil
	}
	store := newMemStore()
	m := newManager(store, fc)

	_, err := m.Ensure(context.Background(), "ups", "1Z999AA10123456784")
	require.NoError(t, err)

	// Pull the stored expiry inside the renewal window.
	stored := store.subs[subKey("ups", carrier.SubscriptionTracking, "1Z999AA10123456784")]
	stored.ExpiresAt = time.Now().Add(24 * time.Hour)

	_, err = m.Ensure(context.Background(), "ups", "1Z999AA10123456784")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestManager_Ensure_NonSubscriberIsNoop(t *testing.T) {
	store := newMemStore()
	m := newManager(store, quoteOnly{name: "fedex"})

	sub, err := m.Ensure(context.Background(), "fedex", "794812345678")
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.Empty(t, store.subs)
}

// quoteOnly is a carrier without push support.
type quoteOnly struct{ name string }

func (q quoteOnly) Name() string { return q.name }
func (q quoteOnly) Quote(ctx context.Context, req *carrier.QuoteRequest) (*carrier.QuoteResult, error) {
	return &carrier.QuoteResult{}, nil
}
func (q quoteOnly) CreateLabel(ctx context.Context, req *carrier.LabelRequest) (*carrier.Label, error) {
	return nil, errors.New("not implemented")
}
func (q quoteOnly) VoidLabel(ctx context.Context, trackingNumber string) error { return nil }

func TestManager_Sweep_RenewsExpiring(t *testing.T) {
	fc := fake.New("ups")
	fc.OnSubscribe = func(ctx context.Context, trackingNumber, callbackURL string) (*carrier.Subscription, error) {
		return &carrier.Subscription{
			CarrierCode: "ups",
			Type:        carrier.SubscriptionTracking,
			Target:      trackingNumber,
			ExpiresAt:   time.Now().Add(120 * 24 * time.Hour),
		}, nil
	}
	store := newMemStore()
	_, err := store.SaveSubscription(context.Background(), &carrier.Subscription{
		CarrierCode: "ups",
		Type:        carrier.SubscriptionTracking,
		Target:      "1Z999AA10123456784",
		Status:      carrier.SubscriptionActive,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	m := newManager(store, fc)

	renewed, err := m.Sweep(context.Background(), 7*24*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed)

	stored := store.subs[subKey("ups", carrier.SubscriptionTracking, "1Z999AA10123456784")]
	assert.True(t, stored.ExpiresAt.After(time.Now().Add(100*24*time.Hour)))
}

func TestManager_Sweep_FailureMarksError(t *testing.T) {
	fc := fake.New("ups")
	fc.OnSubscribe = func(ctx context.Context, trackingNumber, callbackURL string) (*carrier.Subscription, error) {
		return nil, errors.New("carrier down")
	}
	store := newMemStore()
	saved, err := store.SaveSubscription(context.Background(), &carrier.Subscription{
		CarrierCode: "ups",
		Type:        carrier.SubscriptionTracking,
		Target:      "1Z999AA10123456784",
		Status:      carrier.SubscriptionActive,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	m := newManager(store, fc)

	renewed, err := m.Sweep(context.Background(), 7*24*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, renewed)
	assert.Equal(t, carrier.SubscriptionError, store.status[saved.ID])
}

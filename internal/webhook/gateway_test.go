package webhook_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/internal/telemetry"
	"github.com/parcelgrid/carrierbridge/internal/webhook"
	"github.com/parcelgrid/carrierbridge/pkg/carrier"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/fake"
)

// Prometheus collectors register globally; one set per test binary.
var testMetrics = telemetry.NewMetrics()

type memStore struct {
	seen    map[string]bool
	inserts []*carrier.TrackingEvent
	failOn  string
}

func newMemStore() *memStore {
	return &memStore{seen: map[string]bool{}}
}

func (m *memStore) InsertEvent(ctx context.Context, e *carrier.TrackingEvent) (bool, error) {
	if m.failOn != "" && e.EventCode == m.failOn {
		return false, errors.New("db down")
	}
	key := e.DedupKey()
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	m.inserts = append(m.inserts, e)
	return true, nil
}

type memAnnouncer struct {
	announced []string
	err       error
}

func (m *memAnnouncer) Announce(ctx context.Context, e *carrier.TrackingEvent) error {
	if m.err != nil {
		return m.err
	}
	m.announced = append(m.announced, e.DedupKey())
	return nil
}

func events(codes ...string) []carrier.TrackingEvent {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]carrier.TrackingEvent, 0, len(codes))
	for i, code := range codes {
		out = append(out, carrier.TrackingEvent{
			TrackingNumber: "1Z999AA10123456784",
			CarrierCode:    "ups",
			EventCode:      code,
			EventType:      carrier.EventInTransit,
			EventTime:      base.Add(time.Duration(i) * time.Hour),
		})
	}
	return out
}

type memNotifier struct {
	notified []string
	err      error
}

func (m *memNotifier) Notify(ctx context.Context, e *carrier.TrackingEvent) error {
	if m.err != nil {
		return m.err
	}
	m.notified = append(m.notified, e.DedupKey())
	return nil
}

func newGateway(t *testing.T, fc *fake.Carrier, store webhook.EventStore, announcer webhook.Announcer) *webhook.Gateway {
	t.Helper()
	return newGatewayWithNotifier(t, fc, store, announcer, nil)
}

func newGatewayWithNotifier(t *testing.T, fc *fake.Carrier, store webhook.EventStore, announcer webhook.Announcer, notifier webhook.Notifier) *webhook.Gateway {
	t.Helper()
	reg := carrier.NewRegistry()
	reg.Register(fc)
	logger := otelzap.New(zap.NewNop())
	return webhook.New(reg, store, announcer, notifier, logger, testMetrics)
}

func TestGateway_Handle_PersistsAndAnnounces(t *testing.T) {
	fc := fake.New("ups")
	fc.OnParse = func(raw []byte) ([]carrier.TrackingEvent, error) {
		return events("AR", "DP"), nil
	}
	store := newMemStore()
	ann := &memAnnouncer{}
	g := newGateway(t, fc, store, ann)

	res, err := g.Handle(context.Background(), "ups", []byte("{}"), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.EventsProcessed)
	assert.Equal(t, 0, res.EventsDuplicate)
	assert.Len(t, store.inserts, 2)
	assert.Len(t, ann.announced, 2)
}

func TestGateway_Handle_ReplayIsDuplicateSuccess(t *testing.T) {
	fc := fake.New("ups")
	fc.OnParse = func(raw []byte) ([]carrier.TrackingEvent, error) {
		return events("AR"), nil
	}
	store := newMemStore()
	ann := &memAnnouncer{}
	g := newGateway(t, fc, store, ann)

	_, err := g.Handle(context.Background(), "ups", []byte("{}"), http.Header{})
	require.NoError(t, err)

	res, err := g.Handle(context.Background(), "ups", []byte("{}"), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.EventsProcessed)
	assert.Equal(t, 1, res.EventsDuplicate)

	// Replays are not re-announced.
	assert.Len(t, ann.announced, 1)
}

func TestGateway_Handle_UnknownCarrier(t *testing.T) {
	g := newGateway(t, fake.New("ups"), newMemStore(), nil)

	_, err := g.Handle(context.Background(), "dhl", []byte("{}"), http.Header{})
	assert.ErrorIs(t, err, carrier.ErrCarrierNotFound)
}

func TestGateway_Handle_BadSignature(t *testing.T) {
	fc := fake.New("ups")
	fc.OnVerify = func(raw []byte, header http.Header) error {
		return carrier.ErrBadSignature
	}
	store := newMemStore()
	g := newGateway(t, fc, store, nil)

	_, err := g.Handle(context.Background(), "ups", []byte("{}"), http.Header{})
	assert.ErrorIs(t, err, carrier.ErrBadSignature)
	assert.Empty(t, store.inserts)
}

func TestGateway_Handle_ParseFailure(t *testing.T) {
	fc := fake.New("ups")
	fc.OnParse = func(raw []byte) ([]carrier.TrackingEvent, error) {
		return nil, carrier.NewError("ups", carrier.KindParse, "WEBHOOK_DECODE", "bad json")
	}
	g := newGateway(t, fc, newMemStore(), nil)

	_, err := g.Handle(context.Background(), "ups", []byte("not json"), http.Header{})
	assert.Equal(t, carrier.KindParse, carrier.KindOf(err))
}

func TestGateway_Handle_StorageFailureIsTransient(t *testing.T) {
	fc := fake.New("ups")
	fc.OnParse = func(raw []byte) ([]carrier.TrackingEvent, error) {
		return events("AR", "DP"), nil
	}
	store := newMemStore()
	store.failOn = "DP"
	g := newGateway(t, fc, store, nil)

	_, err := g.Handle(context.Background(), "ups", []byte("{}"), http.Header{})
	assert.True(t, carrier.IsTransient(err))

	// The event before the failure stayed persisted; redelivery will
	// dedup it and pick up the rest.
	assert.Len(t, store.inserts, 1)
}

func TestGateway_Handle_NotifiesOncePerNewEvent(t *testing.T) {
	fc := fake.New("ups")
	fc.OnParse = func(raw []byte) ([]carrier.TrackingEvent, error) {
		return events("AR", "DP"), nil
	}
	store := newMemStore()
	notifier := &memNotifier{}
	g := newGatewayWithNotifier(t, fc, store, nil, notifier)

	res, err := g.Handle(context.Background(), "ups", []byte("{}"), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.EventsProcessed)
	assert.Len(t, notifier.notified, 2)

	// Redelivery is all duplicates; nothing is re-notified.
	_, err = g.Handle(context.Background(), "ups", []byte("{}"), http.Header{})
	require.NoError(t, err)
	assert.Len(t, notifier.notified, 2)
}

func TestGateway_Handle_NotifyFailureIsBestEffort(t *testing.T) {
	fc := fake.New("ups")
	fc.OnParse = func(raw []byte) ([]carrier.TrackingEvent, error) {
		return events("AR"), nil
	}
	store := newMemStore()
	notifier := &memNotifier{err: errors.New("smtp down")}
	g := newGatewayWithNotifier(t, fc, store, nil, notifier)

	res, err := g.Handle(context.Background(), "ups", []byte("{}"), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsProcessed)
	assert.Len(t, store.inserts, 1)
}

func TestGateway_Handle_AnnounceFailureIsBestEffort(t *testing.T) {
	fc := fake.New("ups")
	fc.OnParse = func(raw []byte) ([]carrier.TrackingEvent, error) {
		return events("AR"), nil
	}
	store := newMemStore()
	ann := &memAnnouncer{err: errors.New("broker down")}
	g := newGateway(t, fc, store, ann)

	res, err := g.Handle(context.Background(), "ups", []byte("{}"), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsProcessed)
}

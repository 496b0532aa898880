package notify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/internal/notify"
	"github.com/parcelgrid/carrierbridge/internal/telemetry"
	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

var testMetrics = telemetry.NewMetrics()

type memSender struct {
	sent   []int64
	failOn map[int64]bool
}

func (m *memSender) Send(ctx context.Context, e *carrier.TrackingEvent) error {
	if m.failOn[e.ID] {
		return errors.New("smtp down")
	}
	m.sent = append(m.sent, e.ID)
	return nil
}

type memPending struct {
	events []*carrier.TrackingEvent
	marked []int64
}

func (m *memPending) ListUnnotified(ctx context.Context, limit int) ([]*carrier.TrackingEvent, error) {
	if len(m.events) > limit {
		return m.events[:limit], nil
	}
	return m.events, nil
}

func (m *memPending) MarkEmailSent(ctx context.Context, eventID int64) error {
	m.marked = append(m.marked, eventID)
	return nil
}

func event(id int64, typ carrier.EventType, trackID *int64) *carrier.TrackingEvent {
	return &carrier.TrackingEvent{
		ID:             id,
		TrackingNumber: "1Z999AA10123456784",
		CarrierCode:    "ups",
		EventCode:      "DL",
		EventType:      typ,
		EventTime:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
		TrackID:        trackID,
	}
}

func newDispatcher(cfg notify.Config, sender notify.Sender, store notify.PendingStore) *notify.Dispatcher {
	logger := otelzap.New(zap.NewNop())
	return notify.New(cfg, sender, store, logger, testMetrics)
}

func TestDispatcher_ShouldNotify(t *testing.T) {
	trackID := int64(42)
	cfg := notify.Config{
		Enabled:          true,
		EventTypes:       []carrier.EventType{carrier.EventDelivered, carrier.EventOutForDelivery},
		RequireTrackLink: true,
	}
	d := newDispatcher(cfg, &memSender{}, &memPending{})

	assert.True(t, d.ShouldNotify(event(1, carrier.EventDelivered, &trackID)))
	assert.False(t, d.ShouldNotify(event(2, carrier.EventInTransit, &trackID)))
	assert.False(t, d.ShouldNotify(event(3, carrier.EventDelivered, nil)))

	cfg.Enabled = false
	d = newDispatcher(cfg, &memSender{}, &memPending{})
	assert.False(t, d.ShouldNotify(event(4, carrier.EventDelivered, &trackID)))
}

func TestDispatcher_ShouldNotify_EmptyAllowListNotifiesAll(t *testing.T) {
	d := newDispatcher(notify.Config{Enabled: true}, &memSender{}, &memPending{})

	assert.True(t, d.ShouldNotify(event(1, carrier.EventDelivered, nil)))
	assert.True(t, d.ShouldNotify(event(2, carrier.EventInTransit, nil)))
}

func TestDispatcher_Dispatch(t *testing.T) {
	cfg := notify.Config{Enabled: true, EventTypes: []carrier.EventType{carrier.EventDelivered}}
	sender := &memSender{}
	d := newDispatcher(cfg, sender, &memPending{})

	attempted, err := d.Dispatch(context.Background(), event(1, carrier.EventDelivered, nil))
	require.NoError(t, err)
	assert.True(t, attempted)
	assert.Equal(t, []int64{1}, sender.sent)

	attempted, err = d.Dispatch(context.Background(), event(2, carrier.EventInTransit, nil))
	require.NoError(t, err)
	assert.False(t, attempted)
	assert.Len(t, sender.sent, 1)
}

func TestDispatcher_Notify_MarksAfterSend(t *testing.T) {
	cfg := notify.Config{Enabled: true, EventTypes: []carrier.EventType{carrier.EventDelivered}}
	sender := &memSender{}
	store := &memPending{}
	d := newDispatcher(cfg, sender, store)

	require.NoError(t, d.Notify(context.Background(), event(1, carrier.EventDelivered, nil)))
	assert.Equal(t, []int64{1}, sender.sent)
	assert.Equal(t, []int64{1}, store.marked)

	// Policy-skipped events stay pending; the sweep reevaluates them
	// once the host links them to an order.
	require.NoError(t, d.Notify(context.Background(), event(2, carrier.EventInTransit, nil)))
	assert.Equal(t, []int64{1}, sender.sent)
	assert.Equal(t, []int64{1}, store.marked)
}

func TestDispatcher_Notify_FailedSendStaysPending(t *testing.T) {
	cfg := notify.Config{Enabled: true, EventTypes: []carrier.EventType{carrier.EventDelivered}}
	sender := &memSender{failOn: map[int64]bool{1: true}}
	store := &memPending{}
	d := newDispatcher(cfg, sender, store)

	err := d.Notify(context.Background(), event(1, carrier.EventDelivered, nil))
	require.Error(t, err)

	// Unmarked, so ProcessPending retries it.
	assert.Empty(t, store.marked)
}

func TestDispatcher_ProcessPending_MarksRegardlessOfOutcome(t *testing.T) {
	cfg := notify.Config{Enabled: true, EventTypes: []carrier.EventType{carrier.EventDelivered}}
	sender := &memSender{failOn: map[int64]bool{2: true}}
	store := &memPending{events: []*carrier.TrackingEvent{
		event(1, carrier.EventDelivered, nil),
		event(2, carrier.EventDelivered, nil),
		event(3, carrier.EventInTransit, nil),
	}}
	d := newDispatcher(cfg, sender, store)

	sent, err := d.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []int64{1}, sender.sent)

	// Failed and skipped events are marked too, so the sweep never
	// replays them.
	assert.Equal(t, []int64{1, 2, 3}, store.marked)
}

func TestDispatcher_ProcessPending_RespectsLimit(t *testing.T) {
	cfg := notify.Config{Enabled: true, EventTypes: []carrier.EventType{carrier.EventDelivered}}
	sender := &memSender{}
	store := &memPending{events: []*carrier.TrackingEvent{
		event(1, carrier.EventDelivered, nil),
		event(2, carrier.EventDelivered, nil),
	}}
	d := newDispatcher(cfg, sender, store)

	sent, err := d.ProcessPending(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, store.marked, 1)
}

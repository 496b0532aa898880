package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/parcelgrid/carrierbridge/internal/broker/messages"
	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

type fakeWriter struct {
	last []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.last = append([]kafka.Message{}, msgs...)
	return w.err
}

func TestProducer_Publish(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw, "carrier.events")

	require.NoError(t, p.Publish(context.Background(), []byte("k"), []byte("v")))
	require.Len(t, fw.last, 1)
	require.Equal(t, "carrier.events", fw.last[0].Topic)
	require.Equal(t, []byte("k"), fw.last[0].Key)
	require.Equal(t, []byte("v"), fw.last[0].Value)
}

func TestProducer_Announce(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw, "carrier.events")

	ev := &carrier.TrackingEvent{
		ID:             7,
		TrackingNumber: "1Z999AA10123456784",
		CarrierCode:    "ups",
		EventCode:      "DL",
		EventType:      carrier.EventDelivered,
		EventTime:      time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC),
	}
	require.NoError(t, p.Announce(context.Background(), ev))
	require.Len(t, fw.last, 1)
	require.Equal(t, []byte(ev.TrackingNumber), fw.last[0].Key)

	var msg messages.TrackingEventReceived
	require.NoError(t, json.Unmarshal(fw.last[0].Value, &msg))
	require.Equal(t, "delivered", msg.EventType)
	require.Equal(t, int64(7), msg.EventID)
}

func TestProducer_PublishError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker down")}
	p := newProducerWithWriter(fw, "carrier.events")

	require.Error(t, p.Publish(context.Background(), []byte("k"), []byte("v")))
}

func TestNewProducer(t *testing.T) {
	p := NewProducer([]string{"localhost:0"}, "carrier.events")
	require.NotNil(t, p)
}

// Package kafka publishes carrier events to the message broker.
package kafka

import (
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/parcelgrid/carrierbridge/internal/broker/messages"
	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Producer struct {
	w     messageWriter
	topic string
}

func NewProducer(brokers []string, topic string) *Producer {
	return newProducerWithWriter(&kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.LeastBytes{},
	}, topic)
}

func newProducerWithWriter(w messageWriter, topic string) *Producer {
	return &Producer{w: w, topic: topic}
}

// Publish writes a raw message keyed for partition affinity.
func (p *Producer) Publish(ctx context.Context, key, value []byte) error {
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   key,
		Value: value,
	}); err != nil {
		return errors.Wrap(err, "kafka publish")
	}
	return nil
}

// Announce publishes a tracking event, keyed by tracking number so a
// parcel's events stay ordered within a partition.
func (p *Producer) Announce(ctx context.Context, e *carrier.TrackingEvent) error {
	msg := messages.FromTrackingEvent(e)
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal tracking event message")
	}
	return p.Publish(ctx, []byte(e.TrackingNumber), b)
}

func (p *Producer) Close() error {
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"qrcheckout/backend/internal/domain"
)

const (
	DefaultTopic            = "payment.settled"
	EventTypePaymentSettled = "payment.settled"
)

type SettlementPublisher interface {
	PublishSettled(ctx context.Context, event domain.PaymentSettledEvent) error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishSettled(_ context.Context, _ domain.PaymentSettledEvent) error {
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher fans settled payments out to downstream consumers
// (fulfilment, notifications). Messages are keyed by order code.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(topic string, brokers ...string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
	}
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) PublishSettled(ctx context.Context, event domain.PaymentSettledEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal settled event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.OrderCode),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypePaymentSettled)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish settled event %s: %w", event.OrderCode, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

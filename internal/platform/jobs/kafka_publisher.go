package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ravintola/ordersync/internal/services"
)

const orderEventSchemaVersion = "1"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOrderEventPublisher streams order events to Kafka keyed by order id, so every change to
// one order lands on the same partition in commit order.
type KafkaOrderEventPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

// KafkaPublisherOption customises the publisher.
type KafkaPublisherOption func(*KafkaOrderEventPublisher)

// WithKafkaWriteTimeout bounds each publish call.
func WithKafkaWriteTimeout(d time.Duration) KafkaPublisherOption {
	return func(p *KafkaOrderEventPublisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithKafkaLogger routes writer diagnostics through logger, typically an
// observability.PrintfAdapter.
func WithKafkaLogger(logger kafka.Logger, errorLogger kafka.Logger) KafkaPublisherOption {
	return func(p *KafkaOrderEventPublisher) {
		if w, ok := p.writer.(*kafka.Writer); ok {
			w.Logger = logger
			w.ErrorLogger = errorLogger
		}
	}
}

// NewKafkaOrderEventPublisher builds a synchronous writer for topic.
func NewKafkaOrderEventPublisher(brokers []string, topic string, opts ...KafkaPublisherOption) (*KafkaOrderEventPublisher, error) {
	addrs := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			addrs = append(addrs, broker)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka order event publisher: brokers are required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka order event publisher: topic is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		BatchTimeout:           10 * time.Millisecond,
	}
	return newKafkaOrderEventPublisher(writer, opts...), nil
}

func newKafkaOrderEventPublisher(writer messageWriter, opts ...KafkaPublisherOption) *KafkaOrderEventPublisher {
	p := &KafkaOrderEventPublisher{writer: writer, timeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *KafkaOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka order event publisher: not initialised")
	}
	if strings.TrimSpace(event.OrderID) == "" {
		return errors.New("kafka order event publisher: order id is required")
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.OrderID),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(event.Type)},
			{Key: "x-event-id", Value: []byte(event.EventID)},
			{Key: "x-event-version", Value: []byte(orderEventSchemaVersion)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish order event %s: %w", event.EventID, err)
	}
	return nil
}

// Close flushes pending writes and releases broker connections.
func (p *KafkaOrderEventPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

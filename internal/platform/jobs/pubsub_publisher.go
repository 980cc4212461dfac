package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/ravintola/ordersync/internal/services"
)

// PubSubNotificationPublisher publishes customer notifications to a Pub/Sub topic consumed by
// the email and SMS workers.
type PubSubNotificationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubNotificationPublisher constructs a Pub/Sub backed notification publisher. Ordering is
// enabled on the topic so messages for one order are delivered in publish order.
func NewPubSubNotificationPublisher(topic *pubsub.Topic) (*PubSubNotificationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubNotificationPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishNotification implements services.NotificationPublisher and returns the server message id.
func (p *PubSubNotificationPublisher) PublishNotification(ctx context.Context, message services.NotificationMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub notification publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "notificationId", message.ID)
	setAttr(attrs, "channel", string(message.Channel))
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "merchantId", message.MerchantID)
	setAttr(attrs, "orderStatus", string(message.OrderStatus))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: strings.TrimSpace(message.OrderID),
	})
	id, err := result.Get(ctx)
	if err != nil {
		if key := strings.TrimSpace(message.OrderID); key != "" {
			// a failed publish pauses the ordering key until resumed
			p.topic.ResumePublish(key)
		}
		return "", fmt.Errorf("publish notification: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

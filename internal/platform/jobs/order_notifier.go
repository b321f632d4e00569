package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/printcraft/api/internal/services"
)

const orderFailedEvent = "order.failed"

// PubSubOrderNotifier publishes customer notifications to a Pub/Sub topic
// consumed by the messaging worker.
type PubSubOrderNotifier struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderNotifier = (*PubSubOrderNotifier)(nil)

// NewPubSubOrderNotifier constructs a Pub/Sub backed notifier.
func NewPubSubOrderNotifier(topic *pubsub.Topic) (*PubSubOrderNotifier, error) {
	if topic == nil {
		return nil, errors.New("pubsub order notifier: topic is required")
	}
	return &PubSubOrderNotifier{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// NotifyOrderFailed publishes the message and waits for the server ack.
func (n *PubSubOrderNotifier) NotifyOrderFailed(ctx context.Context, msg services.OrderFailedMessage) error {
	if n == nil || n.topic == nil {
		return errors.New("pubsub order notifier: not initialised")
	}
	data, err := n.marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal order notification: %w", err)
	}

	attrs := map[string]string{"event": orderFailedEvent}
	setAttr(attrs, "orderId", msg.OrderID)
	setAttr(attrs, "orderNumber", msg.OrderNumber)

	key := orderingKey(n.topic, msg.OrderID)
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
		// Keeps notifications for one order in publish order when the topic enables ordering.
		OrderingKey: key,
	})
	if _, err := result.Get(ctx); err != nil {
		if key != "" {
			// A failed ordered publish pauses the key until it is resumed.
			n.topic.ResumePublish(key)
		}
		return fmt.Errorf("publish order notification: %w", err)
	}
	return nil
}

func orderingKey(topic *pubsub.Topic, orderID string) string {
	if !topic.EnableMessageOrdering {
		return ""
	}
	return strings.TrimSpace(orderID)
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

// Package broadcast mirrors the global unread count between client
// instances. Every payload is the absolute count; receivers overwrite.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nguyentranbao-ct/chat-client/internal/config"
	"github.com/nguyentranbao-ct/chat-client/pkg/pubsub"
	"github.com/nguyentranbao-ct/chat-client/pkg/util"
)

const deliverTimeout = time.Second

var messagesTotal = util.MustCounterVec("unread_broadcast_messages_total", "driver", "direction")

// Channel is one instance's endpoint on a named broadcast channel. A
// published value is delivered to every other endpoint, never back to the
// publisher.
type Channel interface {
	Publish(ctx context.Context, count int) error
	Subscribe() (<-chan int, func())
	Close() error
}

// Open connects to the channel configured by BROADCAST_DRIVER.
func Open(cfg *config.Config, hub *Hub) (Channel, error) {
	name := cfg.Broadcast.Channel
	switch cfg.Broadcast.Driver {
	case "amqp":
		return DialAMQP(cfg.Broadcast.AMQPURL, name)
	case "kafka":
		return DialKafka(cfg.Broadcast.KafkaBrokers, name)
	case "memory", "":
		return hub.Open(name), nil
	default:
		return nil, fmt.Errorf("unknown broadcast driver %q", cfg.Broadcast.Driver)
	}
}

func encode(count int) ([]byte, error) {
	return json.Marshal(count)
}

func decode(body []byte) (int, error) {
	var n int
	if err := json.Unmarshal(body, &n); err != nil {
		return 0, fmt.Errorf("decode unread count: %w", err)
	}
	return n, nil
}

// deliver hands a received value to local subscribers without letting a
// stuck subscriber stall the consumer.
func deliver(topic *pubsub.Topic[int], driver string, n int) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := topic.Publish(ctx, n); err == nil {
		messagesTotal.WithLabelValues(driver, "in").Inc()
	}
}

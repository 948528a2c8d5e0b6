package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
	"github.com/nguyentranbao-ct/chat-client/pkg/pubsub"
)

// amqpChannel publishes to a fanout exchange named after the channel. Each
// instance consumes through its own exclusive, auto-deleted queue and
// drops deliveries carrying its own AppId.
type amqpChannel struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	origin   string
	topic    *pubsub.Topic[int]
	log      *zap.SugaredLogger
	done     chan struct{}
	once     sync.Once
}

func DialAMQP(url, name string) (Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		name,     // name
		"fanout", // type
		false,    // durable
		true,     // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", name, err)
	}

	q, err := ch.QueueDeclare(
		"",    // name (server generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", name, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name, // queue
		"",     // consumer tag
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("register consumer: %w", err)
	}

	c := &amqpChannel{
		conn:     conn,
		ch:       ch,
		exchange: name,
		origin:   uuid.NewString(),
		topic:    pubsub.NewTopic[int](),
		log:      logger.MustNamed("broadcast.amqp"),
		done:     make(chan struct{}),
	}
	go c.consume(deliveries)
	return c, nil
}

func (c *amqpChannel) consume(deliveries <-chan amqp.Delivery) {
	defer close(c.done)
	for d := range deliveries {
		if d.AppId == c.origin {
			continue
		}
		n, err := decode(d.Body)
		if err != nil {
			c.log.Warnw("dropping broadcast", "error", err)
			continue
		}
		deliver(c.topic, "amqp", n)
	}
}

func (c *amqpChannel) Publish(ctx context.Context, count int) error {
	body, err := encode(count)
	if err != nil {
		return err
	}
	err = c.ch.PublishWithContext(ctx,
		c.exchange, // exchange
		"",         // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			AppId:       c.origin,
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish unread count: %w", err)
	}
	messagesTotal.WithLabelValues("amqp", "out").Inc()
	return nil
}

func (c *amqpChannel) Subscribe() (<-chan int, func()) {
	return c.topic.Subscribe()
}

func (c *amqpChannel) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.ch.Close()
		err = c.conn.Close()
		<-c.done
		c.topic.Close()
	})
	return err
}

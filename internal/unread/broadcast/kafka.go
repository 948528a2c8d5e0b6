package broadcast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
	"github.com/nguyentranbao-ct/chat-client/pkg/pubsub"
)

var originHeader = []byte("origin")

// kafkaChannel publishes to a topic named after the channel and reads every
// partition from the newest offset, so only values published after the
// instance started are applied.
type kafkaChannel struct {
	client     sarama.Client
	producer   sarama.SyncProducer
	consumer   sarama.Consumer
	partitions []sarama.PartitionConsumer
	topicName  string
	origin     []byte
	topic      *pubsub.Topic[int]
	log        *zap.SugaredLogger
	wg         sync.WaitGroup
	once       sync.Once
}

func newSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "chatd"
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	return cfg
}

func DialKafka(brokers []string, name string) (Channel, error) {
	client, err := sarama.NewClient(brokers, newSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("connect to kafka: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	c := &kafkaChannel{
		client:    client,
		producer:  producer,
		consumer:  consumer,
		topicName: name,
		origin:    []byte(uuid.NewString()),
		topic:     pubsub.NewTopic[int](),
		log:       logger.MustNamed("broadcast.kafka"),
	}

	ids, err := consumer.Partitions(name)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("list partitions of %s: %w", name, err)
	}
	for _, id := range ids {
		pc, err := consumer.ConsumePartition(name, id, sarama.OffsetNewest)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("consume partition %d: %w", id, err)
		}
		c.partitions = append(c.partitions, pc)
		c.wg.Add(1)
		go c.consume(pc)
	}
	return c, nil
}

func (c *kafkaChannel) consume(pc sarama.PartitionConsumer) {
	defer c.wg.Done()
	for msg := range pc.Messages() {
		if c.fromSelf(msg) {
			continue
		}
		n, err := decode(msg.Value)
		if err != nil {
			c.log.Warnw("dropping broadcast", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			continue
		}
		deliver(c.topic, "kafka", n)
	}
}

func (c *kafkaChannel) fromSelf(msg *sarama.ConsumerMessage) bool {
	for _, h := range msg.Headers {
		if h != nil && bytes.Equal(h.Key, originHeader) {
			return bytes.Equal(h.Value, c.origin)
		}
	}
	return false
}

func (c *kafkaChannel) Publish(ctx context.Context, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(count)
	if err != nil {
		return err
	}
	_, _, err = c.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   c.topicName,
		Value:   sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{{Key: originHeader, Value: c.origin}},
	})
	if err != nil {
		return fmt.Errorf("publish unread count: %w", err)
	}
	messagesTotal.WithLabelValues("kafka", "out").Inc()
	return nil
}

func (c *kafkaChannel) Subscribe() (<-chan int, func()) {
	return c.topic.Subscribe()
}

func (c *kafkaChannel) Close() error {
	var errs []error
	c.once.Do(func() {
		for _, pc := range c.partitions {
			pc.AsyncClose()
		}
		c.wg.Wait()
		errs = append(errs, c.producer.Close(), c.consumer.Close(), c.client.Close())
		c.topic.Close()
	})
	return errors.Join(errs...)
}

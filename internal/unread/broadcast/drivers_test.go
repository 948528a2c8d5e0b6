package broadcast

import (
	"testing"

	"github.com/IBM/sarama"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
	"github.com/nguyentranbao-ct/chat-client/pkg/pubsub"
)

func TestAMQPConsumeSkipsOwnDeliveries(t *testing.T) {
	c := &amqpChannel{
		origin: "self",
		topic:  pubsub.NewTopic[int](),
		log:    logger.MustNamed("broadcast.amqp"),
		done:   make(chan struct{}),
	}
	received, cancel := c.Subscribe()
	defer cancel()

	deliveries := make(chan amqp.Delivery, 4)
	deliveries <- amqp.Delivery{AppId: "self", Body: []byte("1")}
	deliveries <- amqp.Delivery{AppId: "other", Body: []byte("not a count")}
	deliveries <- amqp.Delivery{AppId: "other", Body: []byte("2")}
	deliveries <- amqp.Delivery{Body: []byte("3")}
	close(deliveries)

	c.consume(deliveries)
	<-c.done

	assert.Equal(t, 2, receive(t, received))
	assert.Equal(t, 3, receive(t, received))
	select {
	case n := <-received:
		t.Fatalf("unexpected value %d", n)
	default:
	}
}

func TestKafkaFromSelf(t *testing.T) {
	c := &kafkaChannel{origin: []byte("self")}

	tests := []struct {
		name    string
		headers []*sarama.RecordHeader
		want    bool
	}{
		{"own origin", []*sarama.RecordHeader{{Key: originHeader, Value: []byte("self")}}, true},
		{"other origin", []*sarama.RecordHeader{{Key: originHeader, Value: []byte("other")}}, false},
		{"no headers", nil, false},
		{"unrelated header", []*sarama.RecordHeader{nil, {Key: []byte("trace"), Value: []byte("self")}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.fromSelf(&sarama.ConsumerMessage{Headers: tt.headers}))
		})
	}
}

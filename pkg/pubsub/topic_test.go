package pubsub_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nguyentranbao-ct/chat-client/pkg/pubsub"
)

func TestTopicFanOut(t *testing.T) {
	t.Parallel()
	topic := pubsub.NewTopic[int]()

	a, cancelA := topic.Subscribe()
	defer cancelA()
	b, cancelB := topic.Subscribe()
	defer cancelB()

	require.NoError(t, topic.Publish(t.Context(), 7))

	assert.Equal(t, 7, <-a)
	assert.Equal(t, 7, <-b)
	assert.Equal(t, 2, topic.Len())
}

func TestTopicUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	topic := pubsub.NewTopic[string]()

	ch, cancel := topic.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, topic.Len())
	require.NoError(t, topic.Publish(t.Context(), "ignored"))
}

func TestTopicPublishUnblocksOnUnsubscribe(t *testing.T) {
	t.Parallel()
	topic := pubsub.NewTopicWithBuffer[int](0)
	_, cancel := topic.Subscribe()

	done := make(chan error, 1)
	go func() {
		done <- topic.Publish(context.Background(), 1)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish stayed blocked after unsubscribe")
	}
}

func TestTopicClose(t *testing.T) {
	t.Parallel()
	topic := pubsub.NewTopic[int]()
	ch, _ := topic.Subscribe()

	topic.Close()

	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, topic.Publish(t.Context(), 1), pubsub.ErrTopicClosed)

	late, _ := topic.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

// Package pubsub provides typed fan-out topics: one Topic per event kind,
// explicit subscriptions, deterministic teardown.
package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrTopicClosed is returned when publishing to a closed Topic.
var ErrTopicClosed = errors.New("topic closed")

const defaultBuffer = 64

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

// Topic delivers every published value to every current subscriber.
type Topic[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	buffer int
	closed atomic.Bool
}

func NewTopic[T any]() *Topic[T] {
	return NewTopicWithBuffer[T](defaultBuffer)
}

func NewTopicWithBuffer[T any](buffer int) *Topic[T] {
	return &Topic[T]{
		subs:   make(map[uint64]*subscriber[T]),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel func removes the
// subscription and closes the channel; it is safe to call more than once.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan T, t.buffer)
	if t.closed.Load() {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	sub := &subscriber[T]{ch: ch, done: make(chan struct{})}
	t.subs[id] = sub

	return ch, func() {
		sub.stop()
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish hands v to every subscriber, blocking while a subscriber buffer is
// full. A subscriber that unsubscribes while Publish waits is skipped.
func (t *Topic[T]) Publish(ctx context.Context, v T) error {
	if t.closed.Load() {
		return ErrTopicClosed
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, sub := range t.subs {
		select {
		case sub.ch <- v:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Len returns the number of active subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Close closes every subscriber channel. Later subscriptions receive an
// already-closed channel.
func (t *Topic[T]) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sub := range t.subs {
		sub.stop()
		close(sub.ch)
		delete(t.subs, id)
	}
}

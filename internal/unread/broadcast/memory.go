package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/nguyentranbao-ct/chat-client/pkg/pubsub"
)

// Hub is an in-process broadcast medium. Endpoints opened with the same
// name see each other's values.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]map[*memoryChannel]struct{}
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]map[*memoryChannel]struct{})}
}

func (h *Hub) Open(name string) Channel {
	c := &memoryChannel{hub: h, name: name, topic: pubsub.NewTopic[int]()}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[name] == nil {
		h.endpoints[name] = make(map[*memoryChannel]struct{})
	}
	h.endpoints[name][c] = struct{}{}
	return c
}

func (h *Hub) peers(c *memoryChannel) []*memoryChannel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*memoryChannel, 0, len(h.endpoints[c.name]))
	for p := range h.endpoints[c.name] {
		if p != c {
			out = append(out, p)
		}
	}
	return out
}

func (h *Hub) remove(c *memoryChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints[c.name], c)
	if len(h.endpoints[c.name]) == 0 {
		delete(h.endpoints, c.name)
	}
}

type memoryChannel struct {
	hub   *Hub
	name  string
	topic *pubsub.Topic[int]
	once  sync.Once
}

func (c *memoryChannel) Publish(ctx context.Context, count int) error {
	for _, p := range c.hub.peers(c) {
		if err := p.topic.Publish(ctx, count); err != nil && !errors.Is(err, pubsub.ErrTopicClosed) {
			return err
		}
	}
	messagesTotal.WithLabelValues("memory", "out").Inc()
	return nil
}

func (c *memoryChannel) Subscribe() (<-chan int, func()) {
	return c.topic.Subscribe()
}

func (c *memoryChannel) Close() error {
	c.once.Do(func() {
		c.hub.remove(c)
		c.topic.Close()
	})
	return nil
}

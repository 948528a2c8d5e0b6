// Package unread keeps the global unread count consistent across local
// traffic, server reconciliation and sibling client instances.
package unread

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nguyentranbao-ct/chat-client/internal/models"
	"github.com/nguyentranbao-ct/chat-client/internal/registry"
	"github.com/nguyentranbao-ct/chat-client/internal/repo/chatapi"
	"github.com/nguyentranbao-ct/chat-client/internal/unread/broadcast"
	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
	"github.com/nguyentranbao-ct/chat-client/pkg/util"
)

const publishTimeout = 2 * time.Second

var updatesTotal = util.MustCounterVec("unread_updates_total", "source")

// Conversations holds the per-conversation unread counts.
type Conversations interface {
	IncrementUnread(peer string) int
	DecrementUnread(peer string, n int) int
	TotalUnread() int
}

type Counter struct {
	api      chatapi.Client
	convs    Conversations
	channel  broadcast.Channel
	registry *registry.Registry
	log      *zap.SugaredLogger

	// pubMu orders local updates with their broadcasts.
	pubMu         sync.Mutex
	mu            sync.RWMutex
	global        int
	notifications int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewCounter(api chatapi.Client, convs Conversations, channel broadcast.Channel, reg *registry.Registry) *Counter {
	return &Counter{
		api:      api,
		convs:    convs,
		channel:  channel,
		registry: reg,
		log:      logger.MustNamed("unread"),
	}
}

// Start applies values broadcast by other instances until Stop.
func (c *Counter) Start(ctx context.Context) error {
	values, unsubscribe := c.channel.Subscribe()
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		defer unsubscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case n, ok := <-values:
				if !ok {
					return
				}
				c.Apply(n)
			}
		}
	}()
	return nil
}

func (c *Counter) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done
	return nil
}

func (c *Counter) Global() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.global
}

func (c *Counter) Notifications() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.notifications
}

func (c *Counter) Summary() models.UnreadSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.UnreadSummary{Chat: c.global, Notifications: c.notifications}
}

// Increment counts one new unread message from peer.
func (c *Counter) Increment(ctx context.Context, peer string) {
	c.convs.IncrementUnread(peer)
	c.update(ctx, "increment", func(n int) int { return n + 1 })
}

// MarkRead marks the conversation with peer read on the server and
// decrements by the number the server reports as marked. Concurrent calls
// for the same peer share one request and one decrement.
func (c *Counter) MarkRead(ctx context.Context, peer string) (int, error) {
	return registry.Deduped(ctx, c.registry, "mark-read:"+peer, func(ctx context.Context) (int, error) {
		marked, err := c.api.MarkRead(ctx, peer)
		if err != nil {
			return 0, err
		}
		c.convs.DecrementUnread(peer, marked)
		c.update(ctx, "mark_read", func(n int) int { return n - marked })
		c.log.Debugw("conversation marked read", "peer", peer, "marked", marked)
		return marked, nil
	})
}

// Set overwrites the global count with an authoritative value.
func (c *Counter) Set(ctx context.Context, global int) {
	c.update(ctx, "server", func(int) int { return global })
}

func (c *Counter) SetNotifications(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = max(n, 0)
}

// Resync sets the global count to the sum of the per-conversation counts.
func (c *Counter) Resync(ctx context.Context) {
	c.update(ctx, "resync", func(int) int { return c.convs.TotalUnread() })
}

// Apply overwrites the global count with a value broadcast by another
// instance. It is never re-broadcast.
func (c *Counter) Apply(global int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global = max(global, 0)
	updatesTotal.WithLabelValues("broadcast").Inc()
}

func (c *Counter) update(ctx context.Context, source string, fn func(int) int) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	prev := c.global
	c.global = max(fn(prev), 0)
	next := c.global
	c.mu.Unlock()

	updatesTotal.WithLabelValues(source).Inc()
	if next == prev {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := c.channel.Publish(pubCtx, next); err != nil {
		c.log.Warnw("unread broadcast failed", "count", next, "error", err)
	}
}

package unread

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nguyentranbao-ct/chat-client/internal/config"
	"github.com/nguyentranbao-ct/chat-client/internal/registry"
	"github.com/nguyentranbao-ct/chat-client/internal/repo/chatapi"
	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
)

// Poller re-fetches the authoritative unread counts while the client is
// visible. Hiding it aborts the request in flight.
type Poller struct {
	api      chatapi.Client
	counter  *Counter
	interval time.Duration
	log      *zap.SugaredLogger

	mu      sync.Mutex
	visible bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPoller(cfg *config.Config, api chatapi.Client, counter *Counter) *Poller {
	return &Poller{
		api:      api,
		counter:  counter,
		interval: cfg.Unread.PollInterval,
		log:      logger.MustNamed("unread.poller"),
	}
}

func (p *Poller) Start(ctx context.Context) error {
	p.SetVisible(true)
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	p.SetVisible(false)
	return nil
}

func (p *Poller) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

// SetVisible starts polling with an immediate fetch, or stops it.
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if visible == p.visible {
		return
	}
	p.visible = visible
	if !visible {
		p.cancel()
		<-p.done
		p.cancel, p.done = nil, nil
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go func() {
		defer close(done)
		p.loop(ctx)
	}()
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll is best effort: a failed fetch waits for the next tick.
func (p *Poller) poll(ctx context.Context) {
	if n, err := p.api.ChatUnreadCount(ctx); err != nil {
		p.log.Debugw("chat unread fetch failed", "kind", registry.Classify(err).String(), "error", err)
	} else {
		p.counter.Set(ctx, n)
	}
	if ctx.Err() != nil {
		return
	}
	if n, err := p.api.NotificationUnreadCount(ctx); err != nil {
		p.log.Debugw("notification unread fetch failed", "kind", registry.Classify(err).String(), "error", err)
	} else {
		p.counter.SetNotifications(n)
	}
}

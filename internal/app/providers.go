package app

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"github.com/nguyentranbao-ct/chat-client/internal/auth"
	"github.com/nguyentranbao-ct/chat-client/internal/config"
	"github.com/nguyentranbao-ct/chat-client/internal/connection"
	"github.com/nguyentranbao-ct/chat-client/internal/delivery"
	"github.com/nguyentranbao-ct/chat-client/internal/presence"
	"github.com/nguyentranbao-ct/chat-client/internal/registry"
	"github.com/nguyentranbao-ct/chat-client/internal/repo/chatapi"
	"github.com/nguyentranbao-ct/chat-client/internal/repo/socket"
	"github.com/nguyentranbao-ct/chat-client/internal/server"
	"github.com/nguyentranbao-ct/chat-client/internal/unread"
	"github.com/nguyentranbao-ct/chat-client/internal/unread/broadcast"
)

func newTransport(cfg *config.Config, creds auth.CredentialSource) connection.Transport {
	return socket.NewClient(cfg, creds)
}

func newConnectionManager(transport connection.Transport, creds auth.CredentialSource) *connection.Manager {
	return connection.NewManager(transport, creds)
}

func newEmitter(m *connection.Manager) presence.Emitter {
	return m
}

func newPipeline(
	cfg *config.Config,
	store *delivery.Store,
	conn *connection.Manager,
	api chatapi.Client,
	typing *presence.TypingNotifier,
	counter *unread.Counter,
	reg *registry.Registry,
) *delivery.Pipeline {
	return delivery.NewPipeline(delivery.Params{
		Config:   cfg,
		Store:    store,
		Conn:     conn,
		API:      api,
		Typing:   typing,
		Unread:   counter,
		Registry: reg,
	})
}

func newBroadcastChannel(lc fx.Lifecycle, cfg *config.Config, hub *broadcast.Hub) (broadcast.Channel, error) {
	ch, err := broadcast.Open(cfg, hub)
	if err != nil {
		return nil, fmt.Errorf("open broadcast channel %s: %w", cfg.Broadcast.Channel, err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return ch.Close()
		},
	})
	return ch, nil
}

func newCounter(api chatapi.Client, store *delivery.Store, ch broadcast.Channel, reg *registry.Registry) *unread.Counter {
	return unread.NewCounter(api, store, ch, reg)
}

func newController(
	conn *connection.Manager,
	pipeline *delivery.Pipeline,
	tracker *presence.Tracker,
	typing *presence.TypingNotifier,
	counter *unread.Counter,
	poller *unread.Poller,
) server.Controller {
	return server.NewController(server.ControllerParams{
		Connection:    conn,
		Messenger:     pipeline,
		Conversations: pipeline.Store(),
		Presence:      tracker,
		Typing:        typing,
		Unread:        counter,
		Visibility:    poller,
	})
}

// registerLifecycle starts consumers before the connection so no event of
// the first session is missed, and stops them in reverse.
func registerLifecycle(
	lc fx.Lifecycle,
	conn *connection.Manager,
	pipeline *delivery.Pipeline,
	tracker *presence.Tracker,
	typing *presence.TypingNotifier,
	counter *unread.Counter,
	poller *unread.Poller,
) {
	trackerCtx, stopTracker := context.WithCancel(context.Background())
	trackerDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := counter.Start(ctx); err != nil {
				return fmt.Errorf("start unread counter: %w", err)
			}
			if err := pipeline.Start(ctx); err != nil {
				return fmt.Errorf("start delivery pipeline: %w", err)
			}
			go func() {
				defer close(trackerDone)
				tracker.Run(trackerCtx, conn.Events())
			}()
			if err := conn.Start(ctx); err != nil {
				return fmt.Errorf("start connection: %w", err)
			}
			return poller.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			_ = poller.Stop(ctx)
			typing.Close()
			_ = conn.Stop(ctx)
			_ = pipeline.Stop(ctx)
			stopTracker()
			<-trackerDone
			tracker.Close()
			return counter.Stop(ctx)
		},
	})
}

package unread

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nguyentranbao-ct/chat-client/internal/config"
	"github.com/nguyentranbao-ct/chat-client/internal/delivery"
	"github.com/nguyentranbao-ct/chat-client/internal/registry"
	"github.com/nguyentranbao-ct/chat-client/internal/unread/broadcast"
)

func newTestPoller(t *testing.T, interval time.Duration, api *fakeAPI) (*Poller, *Counter) {
	t.Helper()
	ch := broadcast.NewHub().Open("unread-count")
	t.Cleanup(func() { _ = ch.Close() })
	counter := NewCounter(api, delivery.NewStore(), ch, registry.New())
	cfg := &config.Config{Unread: config.UnreadConfig{PollInterval: interval}}
	p := NewPoller(cfg, api, counter)
	t.Cleanup(func() { p.SetVisible(false) })
	return p, counter
}

func TestPollerFetchesImmediatelyAndOnInterval(t *testing.T) {
	api := &fakeAPI{
		chat:         func(ctx context.Context) (int, error) { return 6, nil },
		notification: func(ctx context.Context) (int, error) { return 2, nil },
	}
	p, counter := newTestPoller(t, 20*time.Millisecond, api)

	p.SetVisible(true)
	require.Eventually(t, func() bool { return counter.Global() == 6 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, counter.Notifications())
	require.Eventually(t, func() bool { return api.chatCalls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestPollerHiddenAbortsInFlightRequest(t *testing.T) {
	started := make(chan struct{}, 1)
	var aborted atomic.Bool
	api := &fakeAPI{chat: func(ctx context.Context) (int, error) {
		started <- struct{}{}
		<-ctx.Done()
		aborted.Store(true)
		return 0, ctx.Err()
	}}
	p, _ := newTestPoller(t, time.Hour, api)

	p.SetVisible(true)
	<-started
	p.SetVisible(false)
	assert.True(t, aborted.Load())
	assert.False(t, p.Visible())

	calls := api.chatCalls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, api.chatCalls.Load())
}

func TestPollerBecomingVisibleFetchesAgain(t *testing.T) {
	api := &fakeAPI{chat: func(ctx context.Context) (int, error) { return 1, nil }}
	p, _ := newTestPoller(t, time.Hour, api)

	p.SetVisible(true)
	require.Eventually(t, func() bool { return api.chatCalls.Load() == 1 }, time.Second, time.Millisecond)
	p.SetVisible(true)
	p.SetVisible(false)
	p.SetVisible(true)
	require.Eventually(t, func() bool { return api.chatCalls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestPollerFailuresAreSilent(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	api := &fakeAPI{chat: func(ctx context.Context) (int, error) {
		if fail.Load() {
			return 0, &registry.HTTPError{Status: http.StatusServiceUnavailable}
		}
		return 4, nil
	}}
	p, counter := newTestPoller(t, 10*time.Millisecond, api)
	counter.Apply(1)

	p.SetVisible(true)
	require.Eventually(t, func() bool { return api.chatCalls.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, counter.Global())

	fail.Store(false)
	require.Eventually(t, func() bool { return counter.Global() == 4 }, time.Second, time.Millisecond)
}

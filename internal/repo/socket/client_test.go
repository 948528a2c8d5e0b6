package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nguyentranbao-ct/chat-client/internal/auth"
	"github.com/nguyentranbao-ct/chat-client/internal/config"
	"github.com/nguyentranbao-ct/chat-client/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	frames chan Frame
}

func newRecorder() *recorder {
	return &recorder{frames: make(chan Frame, 16)}
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) OnConnecting(attempt int) { r.add("connecting") }
func (r *recorder) OnConnected()              { r.add("connected") }
func (r *recorder) OnDisconnected(err error) { r.add("disconnected") }
func (r *recorder) OnEvent(event string, data json.RawMessage) {
	r.frames <- Frame{Event: event, Data: data}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(s string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == s {
			n++
		}
	}
	return n
}

type fakeServer struct {
	*httptest.Server
	conns chan *websocket.Conn
	auth  chan string
}

func newFakeServer(t *testing.T, firstEvent string) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 4), auth: make(chan string, 4)}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case fs.auth <- r.Header.Get("Authorization"):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteJSON(Frame{Event: firstEvent})
		select {
		case fs.conns <- conn:
		default:
			_ = conn.Close()
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func newTestClient(t *testing.T, url string) (*Client, string) {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{UserID: "me", Role: "artist"}).SignedString([]byte("k"))
	require.NoError(t, err)
	cfg := &config.Config{Socket: config.SocketConfig{
		URL:                "ws" + strings.TrimPrefix(url, "http"),
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		HandshakeTimeout:   time.Second,
	}}
	return NewClient(cfg, auth.Static(token)), token
}

func TestClientHandshakeAndEvents(t *testing.T) {
	srv := newFakeServer(t, models.EventConnect)
	c, token := newTestClient(t, srv.URL)
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, rec)
		close(done)
	}()

	assert.Equal(t, "Bearer "+token, <-srv.auth)
	server := <-srv.conns
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, server.WriteJSON(Frame{Event: models.EventNewMessage, Data: json.RawMessage(`{"id":"m1"}`)}))
	got := <-rec.frames
	assert.Equal(t, models.EventNewMessage, got.Event)
	assert.JSONEq(t, `{"id":"m1"}`, string(got.Data))

	require.NoError(t, c.Emit(t.Context(), models.EventTypingStart, models.TypingSignal{RecipientID: "peer"}))
	var out Frame
	require.NoError(t, server.ReadJSON(&out))
	assert.Equal(t, models.EventTypingStart, out.Event)
	assert.JSONEq(t, `{"recipientId":"peer"}`, string(out.Data))

	cancel()
	<-done
	assert.Equal(t, []string{"connecting", "connected", "disconnected"}, rec.snapshot())
	assert.ErrorIs(t, c.Emit(t.Context(), models.EventTypingStop, nil), ErrNotConnected)
}

func TestClientRejectsBadHandshakeAndRetries(t *testing.T) {
	srv := newFakeServer(t, "hello")
	c, _ := newTestClient(t, srv.URL)
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, rec)

	require.Eventually(t, func() bool { return rec.count("connecting") >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.count("connected"))
	assert.False(t, c.Connected())
}

func TestClientReconnectsAfterServerDisconnect(t *testing.T) {
	srv := newFakeServer(t, models.EventConnect)
	c, _ := newTestClient(t, srv.URL)
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, rec)

	first := <-srv.conns
	require.NoError(t, first.WriteJSON(Frame{Event: models.EventDisconnect}))

	second := <-srv.conns
	defer second.Close()
	require.Eventually(t, func() bool { return rec.count("connected") == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"connecting", "connected", "disconnected", "connecting", "connected"}, rec.snapshot())
}

func TestBackoffIsCapped(t *testing.T) {
	c := &Client{baseDelay: 10 * time.Millisecond, maxDelay: 50 * time.Millisecond}
	assert.GreaterOrEqual(t, c.backoff(1), 10*time.Millisecond)
	assert.LessOrEqual(t, c.backoff(1), 13*time.Millisecond)
	for attempt := 1; attempt < 20; attempt++ {
		assert.LessOrEqual(t, c.backoff(attempt), 50*time.Millisecond)
	}
}

package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nguyentranbao-ct/chat-client/internal/auth"
	"github.com/nguyentranbao-ct/chat-client/internal/config"
	"github.com/nguyentranbao-ct/chat-client/internal/models"
	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
)

var (
	ErrNotConnected = errors.New("socket not connected")
	ErrHandshake    = errors.New("socket handshake failed")
	ErrServerClosed = errors.New("socket closed by server")
)

// Frame is the wire format of every duplex event in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Listener receives transport lifecycle and inbound events. Calls are made
// from a single goroutine, in order.
type Listener interface {
	OnConnecting(attempt int)
	OnConnected()
	OnDisconnected(err error)
	OnEvent(event string, data json.RawMessage)
}

// Client is a reconnecting websocket client. Run owns the connection and
// its backoff; Emit may be called from any goroutine.
type Client struct {
	url              string
	creds            auth.CredentialSource
	dialer           *websocket.Dialer
	handshakeTimeout time.Duration
	baseDelay        time.Duration
	maxDelay         time.Duration
	log              *zap.SugaredLogger

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

func NewClient(conf *config.Config, creds auth.CredentialSource) *Client {
	cfg := conf.Socket
	return &Client{
		url:   cfg.URL,
		creds: creds,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		handshakeTimeout: cfg.HandshakeTimeout,
		baseDelay:        cfg.ReconnectBaseDelay,
		maxDelay:         cfg.ReconnectMaxDelay,
		log:              logger.MustNamed("socket"),
	}
}

// Run connects and keeps reconnecting with exponential backoff until ctx is
// done. It returns after the final OnDisconnected call.
func (c *Client) Run(ctx context.Context, l Listener) {
	attempt := 0
	for {
		attempt++
		l.OnConnecting(attempt)

		conn, err := c.connect(ctx)
		if err != nil {
			l.OnDisconnected(err)
			if ctx.Err() != nil {
				return
			}
			delay := c.backoff(attempt)
			c.log.Warnw("connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		c.setConn(conn)
		l.OnConnected()

		err = c.readLoop(ctx, conn, l)
		c.setConn(nil)
		_ = conn.Close()
		l.OnDisconnected(err)
		if ctx.Err() != nil {
			return
		}
		c.log.Infow("connection lost", "error", err)
		if !sleep(ctx, c.backoff(1)) {
			return
		}
	}
}

// Connected reports whether a handshaken connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Emit writes one event frame. It fails with ErrNotConnected when no
// connection is open.
func (c *Client) Emit(ctx context.Context, event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	payload, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	deadline := time.Now().Add(c.handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	session, err := c.creds.Session()
	if err != nil {
		return nil, fmt.Errorf("credential: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", session.BearerHeader())

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout))
	var first Frame
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if first.Event != models.EventConnect {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrHandshake, models.EventConnect, first.Event)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, l Listener) error {
	stop := context.AfterFunc(ctx, func() {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Debugw("dropping undecodable frame", "error", err)
			continue
		}
		if f.Event == models.EventDisconnect {
			return ErrServerClosed
		}
		l.OnEvent(f.Event, f.Data)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// backoff returns base*2^(attempt-1) plus up to 25% jitter, capped at the
// max delay.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay
	for i := 1; i < attempt && d < c.maxDelay; i++ {
		d *= 2
	}
	if d > 0 {
		d += time.Duration(rand.Int64N(int64(d)/4 + 1))
	}
	return min(d, c.maxDelay)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

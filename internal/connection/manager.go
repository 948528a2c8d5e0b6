package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nguyentranbao-ct/chat-client/internal/auth"
	"github.com/nguyentranbao-ct/chat-client/internal/models"
	"github.com/nguyentranbao-ct/chat-client/internal/repo/socket"
	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
	"github.com/nguyentranbao-ct/chat-client/pkg/pubsub"
	"github.com/nguyentranbao-ct/chat-client/pkg/util"
)

// ErrUnavailable is returned by Emit whenever the connection is not in the
// connected state. Callers fall back to request/response.
var ErrUnavailable = errors.New("duplex connection unavailable")

const (
	maxTransitionLog    = 256
	statePublishTimeout = time.Second
)

var transitionsTotal = util.MustCounterVec("connection_transitions_total", "from", "to")

// Transport is the reconnecting duplex client driven by the Manager.
type Transport interface {
	Run(ctx context.Context, l socket.Listener)
	Emit(ctx context.Context, event string, data any) error
}

// Manager owns the ConnectionState and its transition log. Nothing else
// mutates either; other components read State or subscribe to
// Events().State.
type Manager struct {
	transport Transport
	creds     auth.CredentialSource
	events    *Events
	log       *zap.SugaredLogger
	now       func() time.Time

	mu          sync.Mutex
	state       models.ConnectionState
	seq         uint64
	transitions []models.Transition
	session     *auth.Session
	instance    uint64
	runCtx      context.Context

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(transport Transport, creds auth.CredentialSource) *Manager {
	return &Manager{
		transport: transport,
		creds:     creds,
		events:    newEvents(),
		log:       logger.MustNamed("connection"),
		now:       time.Now,
		state:     models.ConnectionDisconnected,
	}
}

func (m *Manager) Events() *Events {
	return m.events
}

// Start connects when a messaging-eligible credential is present. Without
// one the manager stays disconnected and never dials; that is not an error.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.startLocked()
}

// Stop closes the connection and tears down every event topic.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	m.stopLocked()
	m.runMu.Unlock()
	m.events.close()
	return nil
}

// Reconnect drops the current connection, if any, and starts over with a
// freshly read credential.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.stopLocked()
	if err := m.startLocked(); err != nil {
		return err
	}
	if m.Session() == nil {
		return fmt.Errorf("reconnect: %w", auth.ErrNoCredential)
	}
	return nil
}

func (m *Manager) startLocked() error {
	if m.cancel != nil {
		return nil
	}
	session, err := m.creds.Session()
	if err != nil {
		if errors.Is(err, auth.ErrNoCredential) || errors.Is(err, auth.ErrIneligible) {
			m.log.Infow("messaging disabled, staying disconnected", "reason", err)
		} else {
			m.log.Warnw("unusable credential, staying disconnected", "error", err)
		}
		m.setSession(nil)
		return nil
	}
	m.setSession(session)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()
	go func() {
		defer close(done)
		m.transport.Run(ctx, m)
	}()
	m.log.Infow("connection manager started", "user_id", session.UserID)
	return nil
}

func (m *Manager) stopLocked() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel, m.done = nil, nil
}

func (m *Manager) setSession(s *auth.Session) {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
}

// Session returns the credential the manager connected with, or nil when
// messaging is disabled.
func (m *Manager) Session() *auth.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connected() bool {
	return m.State() == models.ConnectionConnected
}

// Transitions returns a copy of the most recent transitions, oldest first.
func (m *Manager) Transitions() []models.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// Emit sends an event over the duplex connection. It returns ErrUnavailable
// unless the state is connected.
func (m *Manager) Emit(ctx context.Context, event string, data any) error {
	if !m.Connected() {
		return ErrUnavailable
	}
	if err := m.transport.Emit(ctx, event, data); err != nil {
		if errors.Is(err, socket.ErrNotConnected) {
			return ErrUnavailable
		}
		return err
	}
	return nil
}

func allowed(from, to models.ConnectionState) bool {
	switch from {
	case models.ConnectionDisconnected:
		return to == models.ConnectionConnecting
	case models.ConnectionConnecting:
		return to == models.ConnectionConnecting || to == models.ConnectionConnected || to == models.ConnectionDisconnected
	case models.ConnectionConnected:
		return to == models.ConnectionDisconnected
	}
	return false
}

func (m *Manager) transition(ctx context.Context, to models.ConnectionState, reason string) bool {
	m.mu.Lock()
	from := m.state
	if !allowed(from, to) {
		m.mu.Unlock()
		m.log.Warnw("rejected connection transition", "from", from, "to", to, "reason", reason)
		return false
	}
	m.seq++
	t := models.Transition{Seq: m.seq, From: from, To: to, At: m.now(), Reason: reason}
	m.state = to
	m.transitions = append(m.transitions, t)
	if len(m.transitions) > maxTransitionLog {
		m.transitions = m.transitions[len(m.transitions)-maxTransitionLog:]
	}
	m.mu.Unlock()

	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	m.log.Infow("connection state changed", "seq", t.Seq, "from", from, "to", to, "reason", reason)
	// State changes outlive the run that produced them so the final
	// disconnect still reaches subscribers.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statePublishTimeout)
	defer cancel()
	if err := m.events.State.Publish(pubCtx, t); err != nil {
		m.log.Debugw("state not published", "seq", t.Seq, "error", err)
	}
	return true
}

func (m *Manager) ctx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx == nil {
		return context.Background()
	}
	return m.runCtx
}

func (m *Manager) OnConnecting(attempt int) {
	m.transition(m.ctx(), models.ConnectionConnecting, fmt.Sprintf("attempt %d", attempt))
}

func (m *Manager) OnConnected() {
	ctx := m.ctx()
	if !m.transition(ctx, models.ConnectionConnected, "handshake acknowledged") {
		return
	}

	m.mu.Lock()
	m.instance++
	instance := m.instance
	userID := ""
	if m.session != nil {
		userID = m.session.UserID
	}
	m.mu.Unlock()

	if err := m.transport.Emit(ctx, models.EventUserOnline, models.UserStatusChange{UserID: userID, Status: models.PresenceOnline}); err != nil {
		m.log.Warnw("presence announcement failed", "instance", instance, "error", err)
	}
}

func (m *Manager) OnDisconnected(err error) {
	reason := "closed"
	if err != nil {
		reason = err.Error()
	}
	if m.State() == models.ConnectionDisconnected {
		return
	}
	m.transition(m.ctx(), models.ConnectionDisconnected, reason)
}

func (m *Manager) OnEvent(event string, data json.RawMessage) {
	ctx := m.ctx()
	switch event {
	case models.EventUserStatusChange:
		dispatch(ctx, m, m.events.StatusChanges, event, data)
	case models.EventOnlineUsers:
		dispatch(ctx, m, m.events.OnlineUsers, event, data)
	case models.EventUserTyping:
		dispatch(ctx, m, m.events.Typing, event, data)
	case models.EventUserStoppedTyping:
		dispatch(ctx, m, m.events.StoppedTyping, event, data)
	case models.EventNewMessage:
		dispatch(ctx, m, m.events.NewMessages, event, data)
	case models.EventMessageSent:
		dispatch(ctx, m, m.events.MessageSent, event, data)
	case models.EventMessageError:
		dispatch(ctx, m, m.events.MessageErrors, event, data)
	case models.EventMessagesRead:
		dispatch(ctx, m, m.events.MessagesRead, event, data)
	default:
		m.log.Debugw("ignoring unknown event", "event", event)
	}
}

func dispatch[T any](ctx context.Context, m *Manager, topic *pubsub.Topic[T], event string, data json.RawMessage) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		m.log.Warnw("dropping malformed event", "event", event, "error", err)
		return
	}
	if err := topic.Publish(ctx, v); err != nil {
		m.log.Debugw("event not published", "event", event, "error", err)
	}
}

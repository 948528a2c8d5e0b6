package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nguyentranbao-ct/chat-client/internal/auth"
	"github.com/nguyentranbao-ct/chat-client/internal/config"
	"github.com/nguyentranbao-ct/chat-client/internal/connection"
	"github.com/nguyentranbao-ct/chat-client/internal/models"
	"github.com/nguyentranbao-ct/chat-client/internal/registry"
	"github.com/nguyentranbao-ct/chat-client/internal/repo/chatapi"
	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
	"github.com/nguyentranbao-ct/chat-client/pkg/optimistic"
	"github.com/nguyentranbao-ct/chat-client/pkg/util"
)

const (
	historyKey       = "conversation-history"
	reloadKeyPrefix  = "conversation-reload:"
	maxHistoryRejoin = 3
)

var (
	transitionsTotal = util.MustCounterVec("delivery_message_transitions_total", "status")
	fallbacksTotal   = util.MustCounterVec("delivery_duplex_fallbacks_total", "reason")
	settleDuration   = util.MustHistogramVec("delivery_settle_duration_seconds", "path", "outcome")
)

// Connection is the duplex side of the pipeline.
type Connection interface {
	Connected() bool
	Emit(ctx context.Context, event string, data any) error
	Session() *auth.Session
	Events() *connection.Events
}

// TypingFlusher ends the local typing burst toward a recipient.
type TypingFlusher interface {
	Flush(ctx context.Context, recipientID string)
}

// UnreadSink receives unread changes produced by message traffic.
type UnreadSink interface {
	Increment(ctx context.Context, peer string)
	Resync(ctx context.Context)
}

type ackResult struct {
	msg models.Message
	err error
}

// Pipeline sends messages optimistically over the duplex connection with a
// request/response fallback, and folds inbound traffic into the Store.
type Pipeline struct {
	store      *Store
	conn       Connection
	api        chatapi.Client
	typing     TypingFlusher
	unread     UnreadSink
	registry   *registry.Registry
	ackTimeout time.Duration
	log        *zap.SugaredLogger
	now        func() time.Time
	newTempID  func() string

	mu       sync.Mutex
	inFlight map[string]struct{}
	waiters  map[string]chan ackResult
	active   string
	focused  bool

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Params struct {
	Config   *config.Config
	Store    *Store
	Conn     Connection
	API      chatapi.Client
	Typing   TypingFlusher
	Unread   UnreadSink
	Registry *registry.Registry
}

func NewPipeline(p Params) *Pipeline {
	life, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:      p.Store,
		conn:       p.Conn,
		api:        p.API,
		typing:     p.Typing,
		unread:     p.Unread,
		registry:   p.Registry,
		ackTimeout: p.Config.Socket.AckTimeout,
		log:        logger.MustNamed("delivery"),
		now:        time.Now,
		newTempID:  uuid.NewString,
		inFlight:   make(map[string]struct{}),
		waiters:    make(map[string]chan ackResult),
		life:       life,
		cancel:     cancel,
	}
}

func (p *Pipeline) Store() *Store {
	return p.store
}

func (p *Pipeline) self() (string, error) {
	s := p.conn.Session()
	if s == nil {
		return "", auth.ErrNoCredential
	}
	return s.UserID, nil
}

// sendCommand inserts the optimistic entry and marks it failed when
// delivery is exhausted. Cancellation is not compensated.
type sendCommand struct {
	p   *Pipeline
	msg models.Message
}

func (c *sendCommand) Apply() {
	c.p.store.InsertPending(c.msg)
	c.p.typing.Flush(c.p.lifetime(), c.msg.RecipientID)
}

func (c *sendCommand) Compensate(err error) {
	if c.p.store.Fail(c.msg.TempID) {
		c.p.log.Logw(registry.Classify(err).LogLevel(), "message failed",
			"temp_id", c.msg.TempID, "recipient_id", c.msg.RecipientID, "error", err)
	}
}

// retryCommand moves a failed message back to pending.
type retryCommand struct {
	p      *Pipeline
	tempID string
	err    error
}

func (c *retryCommand) Apply() {
	_, c.err = c.p.store.MarkPending(c.tempID)
}

func (c *retryCommand) Compensate(err error) {
	c.p.store.Fail(c.tempID)
}

// skipCompensation leaves the message pending: a cancelled attempt may be
// retried, and ErrInFlight means another attempt owns the message.
func skipCompensation(err error) bool {
	return registry.IsCancelled(err) || errors.Is(err, ErrInFlight)
}

func (p *Pipeline) newMessage(recipientID, content string, kind models.MessageKind) (*sendCommand, error) {
	self, err := p.self()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if recipientID == "" || recipientID == self {
		return nil, fmt.Errorf("%w: %q", ErrBadRecipient, recipientID)
	}
	msg := models.Message{
		TempID:      p.newTempID(),
		SenderID:    self,
		RecipientID: recipientID,
		Content:     content,
		Kind:        kind.OrDefault(),
		CreatedAt:   p.now(),
		Status:      models.MessageStatusPending,
	}
	return &sendCommand{p: p, msg: msg}, nil
}

// Send delivers a new message and returns once it is sent, failed or ctx
// is done. The returned message reflects the final local state.
func (p *Pipeline) Send(ctx context.Context, recipientID, content string, kind models.MessageKind) (models.Message, error) {
	cmd, err := p.newMessage(recipientID, content, kind)
	if err != nil {
		return models.Message{}, err
	}
	err = optimistic.Run(ctx, cmd, func(ctx context.Context) error {
		return p.deliver(ctx, cmd.msg.TempID)
	}, skipCompensation)
	msg, _ := p.store.Get(cmd.msg.TempID)
	return msg, err
}

// SendAsync inserts the pending message and delivers it in the background.
func (p *Pipeline) SendAsync(recipientID, content string, kind models.MessageKind) (models.Message, error) {
	cmd, err := p.newMessage(recipientID, content, kind)
	if err != nil {
		return models.Message{}, err
	}
	cmd.Apply()
	pending, _ := p.store.Get(cmd.msg.TempID)
	p.background(func(ctx context.Context) {
		_ = optimistic.Resume(ctx, cmd, func(ctx context.Context) error {
			return p.deliver(ctx, cmd.msg.TempID)
		}, skipCompensation)
	})
	return pending, nil
}

// Retry re-enters delivery for a failed, or abandoned pending, message with
// its original tempId and content.
func (p *Pipeline) Retry(ctx context.Context, tempID string) (models.Message, error) {
	cmd, err := p.prepareRetry(tempID)
	if err != nil {
		msg, _ := p.store.Get(tempID)
		return msg, err
	}
	err = optimistic.Resume(ctx, cmd, func(ctx context.Context) error {
		return p.redeliver(ctx, tempID)
	}, skipCompensation)
	msg, _ := p.store.Get(tempID)
	return msg, err
}

// RetryAsync is Retry with delivery in the background.
func (p *Pipeline) RetryAsync(tempID string) (models.Message, error) {
	cmd, err := p.prepareRetry(tempID)
	if err != nil {
		msg, _ := p.store.Get(tempID)
		return msg, err
	}
	pending, _ := p.store.Get(tempID)
	p.background(func(ctx context.Context) {
		_ = optimistic.Resume(ctx, cmd, func(ctx context.Context) error {
			return p.redeliver(ctx, tempID)
		}, skipCompensation)
	})
	return pending, nil
}

func (p *Pipeline) prepareRetry(tempID string) (*retryCommand, error) {
	if _, ok := p.store.Get(tempID); !ok {
		return nil, ErrUnknownMessage
	}
	p.mu.Lock()
	_, busy := p.inFlight[tempID]
	p.mu.Unlock()
	if busy {
		return nil, ErrInFlight
	}
	cmd := &retryCommand{p: p, tempID: tempID}
	cmd.Apply()
	if cmd.err != nil {
		return nil, cmd.err
	}
	return cmd, nil
}

func (p *Pipeline) redeliver(ctx context.Context, tempID string) error {
	if ack, ok := p.store.TakeLateAck(tempID); ok {
		p.settle(tempID, ack, "late")
		return nil
	}
	return p.deliver(ctx, tempID)
}

// deliver tries the duplex path when connected and falls back to the REST
// send. Whichever acknowledgement reaches the store first settles the
// message; later ones are no-ops.
func (p *Pipeline) deliver(ctx context.Context, tempID string) error {
	p.mu.Lock()
	if _, busy := p.inFlight[tempID]; busy {
		p.mu.Unlock()
		return ErrInFlight
	}
	p.inFlight[tempID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, tempID)
		p.mu.Unlock()
	}()

	msg, ok := p.store.Get(tempID)
	if !ok {
		return ErrUnknownMessage
	}
	req := models.SendMessageRequest{
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		MessageType: msg.Kind,
		TempID:      tempID,
	}

	if p.conn.Connected() {
		start := p.now()
		ack, err := p.sendDuplex(ctx, req)
		switch {
		case err == nil:
			p.settle(tempID, ack, "duplex")
			settleDuration.WithLabelValues("duplex", "sent").Observe(time.Since(start).Seconds())
			return nil
		case errors.Is(err, ErrRejected), errors.Is(err, registry.ErrMalformed), registry.IsCancelled(err):
			return err
		}
		reason := "transport"
		if errors.Is(err, errAckTimeout) {
			reason = "ack_timeout"
		}
		fallbacksTotal.WithLabelValues(reason).Inc()
		p.log.Infow("duplex send failed, falling back to rest", "temp_id", tempID, "reason", reason, "error", err)
		if p.settled(tempID) {
			return nil
		}
	}

	start := p.now()
	ack, err := p.api.SendMessage(ctx, req)
	if err != nil {
		if p.settled(tempID) {
			return nil
		}
		settleDuration.WithLabelValues("rest", registry.Classify(err).String()).Observe(time.Since(start).Seconds())
		return err
	}
	p.settle(tempID, *ack, "rest")
	settleDuration.WithLabelValues("rest", "sent").Observe(time.Since(start).Seconds())
	return nil
}

func (p *Pipeline) sendDuplex(ctx context.Context, req models.SendMessageRequest) (models.Message, error) {
	ch := make(chan ackResult, 1)
	p.mu.Lock()
	p.waiters[req.TempID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.waiters[req.TempID] == ch {
			delete(p.waiters, req.TempID)
		}
		p.mu.Unlock()
	}()

	if err := p.conn.Emit(ctx, models.EventSendMessage, req); err != nil {
		return models.Message{}, err
	}

	t := time.NewTimer(p.ackTimeout)
	defer t.Stop()
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-t.C:
		return models.Message{}, errAckTimeout
	case <-ctx.Done():
		return models.Message{}, fmt.Errorf("%w: %v", registry.ErrCancelled, ctx.Err())
	}
}

func (p *Pipeline) settled(tempID string) bool {
	msg, ok := p.store.Get(tempID)
	return ok && msg.Status == models.MessageStatusSent
}

// settle applies ack to tempID and wakes a duplex waiter, if any.
func (p *Pipeline) settle(tempID string, ack models.Message, path string) {
	applied, err := p.store.Settle(tempID, ack)
	switch {
	case errors.Is(err, registry.ErrMalformed):
		p.log.Warnw("malformed acknowledgement", "temp_id", tempID, "path", path, "error", err)
		p.wake(tempID, ackResult{err: err})
		return
	case errors.Is(err, errSettled):
		p.log.Infow("acknowledgement after failure kept for retry", "temp_id", tempID, "id", ack.ID, "path", path)
	case err != nil:
		p.log.Warnw("acknowledgement for unknown message", "temp_id", tempID, "id", ack.ID, "path", path)
	case applied:
		p.log.Debugw("message sent", "temp_id", tempID, "id", ack.ID, "path", path)
	}
	p.wake(tempID, ackResult{msg: ack})
}

func (p *Pipeline) wake(tempID string, res ackResult) bool {
	p.mu.Lock()
	ch, ok := p.waiters[tempID]
	if ok {
		delete(p.waiters, tempID)
	}
	p.mu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

// SetActive records the conversation the user has open and whether it has
// focus. Inbound messages for an open, focused conversation are not counted
// as unread.
func (p *Pipeline) SetActive(peer string, focused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = peer
	p.focused = focused && peer != ""
}

func (p *Pipeline) Active() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.focused
}

func (p *Pipeline) isFocused(peer string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.focused && p.active == peer
}

// LoadConversation fetches the history with peer and merges it by id. A
// newer load supersedes one still in flight, whichever peer it was for.
func (p *Pipeline) LoadConversation(ctx context.Context, peer string) ([]models.Message, error) {
	return p.loadHistory(ctx, peer, func(ctx context.Context) ([]models.Message, error) {
		return registry.Latest(ctx, p.registry, historyKey, func(ctx context.Context) ([]models.Message, error) {
			return p.api.GetConversation(ctx, peer)
		})
	})
}

// reloadConversation refreshes an already viewed conversation in the
// background. Reloads are keyed per peer and never supersede a load the
// user is waiting on.
func (p *Pipeline) reloadConversation(ctx context.Context, peer string) ([]models.Message, error) {
	return p.loadHistory(ctx, peer, func(ctx context.Context) ([]models.Message, error) {
		return registry.Deduped(ctx, p.registry, reloadKeyPrefix+peer, func(ctx context.Context) ([]models.Message, error) {
			return p.api.GetConversation(ctx, peer)
		})
	})
}

func (p *Pipeline) loadHistory(ctx context.Context, peer string, fetch func(ctx context.Context) ([]models.Message, error)) ([]models.Message, error) {
	self, err := p.self()
	if err != nil {
		return nil, err
	}
	var msgs []models.Message
	for attempt := 0; ; attempt++ {
		msgs, err = fetch(ctx)
		// A call we joined may have been cancelled by its initiator while
		// we are still interested.
		if err != nil && registry.IsCancelled(err) && !errors.Is(err, registry.ErrSuperseded) &&
			ctx.Err() == nil && attempt < maxHistoryRejoin {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}
	added := p.store.MergeHistory(self, peer, msgs)
	p.log.Debugw("conversation loaded", "peer", peer, "fetched", len(msgs), "added", added)
	return p.store.Messages(peer), nil
}

// SyncConversations refreshes the conversation list and unread counts
// from the server.
func (p *Pipeline) SyncConversations(ctx context.Context) ([]models.Conversation, error) {
	self, err := p.self()
	if err != nil {
		return nil, err
	}
	convs, err := p.api.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	p.store.MergeConversations(self, convs)
	p.unread.Resync(ctx)
	return p.store.Conversations(), nil
}

// resync recovers whatever was missed while disconnected.
func (p *Pipeline) resync(ctx context.Context) {
	if _, err := p.SyncConversations(ctx); err != nil {
		p.log.Logw(registry.Classify(err).LogLevel(), "conversation sync failed", "error", err)
	}
	for _, peer := range p.store.Loaded() {
		if _, err := p.reloadConversation(ctx, peer); err != nil {
			p.log.Logw(registry.Classify(err).LogLevel(), "history reload failed", "peer", peer, "error", err)
		}
	}
}

func (p *Pipeline) lifetime() context.Context {
	return p.life
}

func (p *Pipeline) background(fn func(ctx context.Context)) {
	ctx := p.lifetime()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(ctx)
	}()
}

// Start consumes connection events until Stop.
func (p *Pipeline) Start(ctx context.Context) error {
	events := p.conn.Events()
	subs := subscribe(events)
	p.background(func(ctx context.Context) {
		defer subs.cancel()
		p.run(ctx, subs)
	})
	return nil
}

// Stop cancels background deliveries, leaving their messages pending, and
// waits for them to return.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.cancel()
	p.wg.Wait()
	return nil
}

type subscriptions struct {
	state   <-chan models.Transition
	inbound <-chan models.Message
	sent    <-chan models.Message
	errs    <-chan models.MessageError
	reads   <-chan models.MessagesRead
	cancels []func()
}

func subscribe(e *connection.Events) *subscriptions {
	s := &subscriptions{}
	var c func()
	s.state, c = e.State.Subscribe()
	s.cancels = append(s.cancels, c)
	s.inbound, c = e.NewMessages.Subscribe()
	s.cancels = append(s.cancels, c)
	s.sent, c = e.MessageSent.Subscribe()
	s.cancels = append(s.cancels, c)
	s.errs, c = e.MessageErrors.Subscribe()
	s.cancels = append(s.cancels, c)
	s.reads, c = e.MessagesRead.Subscribe()
	s.cancels = append(s.cancels, c)
	return s
}

func (s *subscriptions) cancel() {
	for _, c := range s.cancels {
		c()
	}
}

func (p *Pipeline) run(ctx context.Context, subs *subscriptions) {
	connectedOnce := false
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-subs.state:
			if !ok {
				return
			}
			if t.To != models.ConnectionConnected {
				continue
			}
			if connectedOnce {
				p.log.Infow("reconnected, resyncing", "seq", t.Seq)
			}
			connectedOnce = true
			p.background(p.resync)
		case m, ok := <-subs.inbound:
			if !ok {
				return
			}
			p.HandleInbound(ctx, m)
		case m, ok := <-subs.sent:
			if !ok {
				return
			}
			p.HandleSent(m)
		case e, ok := <-subs.errs:
			if !ok {
				return
			}
			p.HandleError(e)
		case r, ok := <-subs.reads:
			if !ok {
				return
			}
			p.HandleRead(r)
		}
	}
}

// HandleInbound appends a pushed message. Messages from the peer count as
// unread unless their conversation is open and focused.
func (p *Pipeline) HandleInbound(ctx context.Context, m models.Message) {
	self, err := p.self()
	if err != nil {
		return
	}
	if m.SenderID == self && m.TempID != "" {
		if _, ok := p.store.Get(m.TempID); ok {
			p.settle(m.TempID, m, "echo")
			return
		}
	}
	if !p.store.Upsert(self, m) || m.SenderID == self {
		return
	}
	peer := m.Peer(self)
	if p.isFocused(peer) {
		return
	}
	p.unread.Increment(ctx, peer)
}

// HandleSent settles a duplex acknowledgement. An acknowledgement for a
// tempId this client never allocated was sent from another session and is
// appended as sent. Acknowledgements without a server id fail the attempt
// they answer.
func (p *Pipeline) HandleSent(m models.Message) {
	if m.ID == "" {
		if !p.wake(m.TempID, ackResult{err: errAckWithoutID}) {
			p.log.Warnw("ignoring acknowledgement without message id", "temp_id", m.TempID)
		}
		return
	}
	if m.TempID != "" {
		if _, ok := p.store.Get(m.TempID); ok {
			p.settle(m.TempID, m, "duplex")
			return
		}
	}
	self, err := p.self()
	if err != nil {
		return
	}
	p.store.Upsert(self, m)
}

// HandleError fails the duplex attempt for e.TempID. Without a waiting
// attempt the rejection is stale and only logged.
func (p *Pipeline) HandleError(e models.MessageError) {
	if !p.wake(e.TempID, ackResult{err: fmt.Errorf("%w: %s", ErrRejected, e.Error)}) {
		p.log.Infow("ignoring rejection without a duplex attempt", "temp_id", e.TempID, "error", e.Error)
	}
}

// HandleRead applies a read receipt from the peer.
func (p *Pipeline) HandleRead(r models.MessagesRead) {
	self, err := p.self()
	if err != nil {
		return
	}
	n := p.store.MarkReadReceipts(self, r.ConversationID, r.Count)
	p.log.Debugw("read receipt", "conversation_id", r.ConversationID, "count", r.Count, "marked", n)
}

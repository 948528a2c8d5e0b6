package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nguyentranbao-ct/chat-client/internal/config"
	"github.com/nguyentranbao-ct/chat-client/internal/models"
	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
	"github.com/nguyentranbao-ct/chat-client/pkg/timer"
)

// Emitter sends a duplex event. connection.Manager implements it.
type Emitter interface {
	Emit(ctx context.Context, event string, data any) error
}

type burst struct {
	stop *timer.Timer
}

// TypingNotifier throttles the local user's typing signals: one
// typing_start per burst of keystrokes, one typing_stop after the silence
// window or on Flush, whichever comes first.
type TypingNotifier struct {
	emitter Emitter
	window  time.Duration
	log     *zap.SugaredLogger

	mu     sync.Mutex
	bursts map[string]*burst
}

func NewTypingNotifier(cfg *config.Config, emitter Emitter) *TypingNotifier {
	return newTypingNotifier(emitter, cfg.Typing.Window)
}

func newTypingNotifier(emitter Emitter, window time.Duration) *TypingNotifier {
	return &TypingNotifier{
		emitter: emitter,
		window:  window,
		log:     logger.MustNamed("typing"),
		bursts:  make(map[string]*burst),
	}
}

// Keystroke records input addressed to recipient.
func (n *TypingNotifier) Keystroke(ctx context.Context, recipientID string) {
	n.mu.Lock()
	if b, ok := n.bursts[recipientID]; ok {
		b.stop.Reschedule(n.window)
		n.mu.Unlock()
		return
	}
	b := &burst{}
	b.stop = timer.New(func() { n.end(recipientID, b) })
	n.bursts[recipientID] = b
	b.stop.Schedule(n.window)
	n.mu.Unlock()

	n.emit(ctx, models.EventTypingStart, recipientID)
}

// Flush ends the burst for recipient immediately, as on send.
func (n *TypingNotifier) Flush(ctx context.Context, recipientID string) {
	n.mu.Lock()
	b, ok := n.bursts[recipientID]
	if ok {
		b.stop.Cancel()
		delete(n.bursts, recipientID)
	}
	n.mu.Unlock()

	if ok {
		n.emit(ctx, models.EventTypingStop, recipientID)
	}
}

// Active reports whether a burst toward recipient is open.
func (n *TypingNotifier) Active(recipientID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.bursts[recipientID]
	return ok && b.stop.Pending()
}

func (n *TypingNotifier) end(recipientID string, b *burst) {
	n.mu.Lock()
	if cur, ok := n.bursts[recipientID]; !ok || cur != b {
		n.mu.Unlock()
		return
	}
	delete(n.bursts, recipientID)
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.window)
	defer cancel()
	n.emit(ctx, models.EventTypingStop, recipientID)
}

// Emission failures are expected while disconnected and are not surfaced.
func (n *TypingNotifier) emit(ctx context.Context, event, recipientID string) {
	if err := n.emitter.Emit(ctx, event, models.TypingSignal{RecipientID: recipientID}); err != nil {
		n.log.Debugw("typing signal not sent", "event", event, "recipient_id", recipientID, "error", err)
	}
}

// Close cancels every open burst without emitting.
func (n *TypingNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, b := range n.bursts {
		b.stop.Cancel()
		delete(n.bursts, id)
	}
}

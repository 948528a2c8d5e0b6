package presence

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nguyentranbao-ct/chat-client/internal/config"
	"github.com/nguyentranbao-ct/chat-client/internal/connection"
	"github.com/nguyentranbao-ct/chat-client/internal/models"
	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
	"github.com/nguyentranbao-ct/chat-client/pkg/pubsub"
	"github.com/nguyentranbao-ct/chat-client/pkg/timer"
)

const publishTimeout = 100 * time.Millisecond

type ChangeKind string

const (
	ChangePresence ChangeKind = "presence"
	ChangeTyping   ChangeKind = "typing"
)

// Change is published whenever a peer's online or typing flag flips.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	UserID string     `json:"userId"`
	Online bool       `json:"online"`
	Typing bool       `json:"typing"`
}

type typingEntry struct {
	expires time.Time
	timer   *timer.Timer
}

// Tracker owns the online set and the typing map. Presence only changes on
// explicit status events or snapshots; typing entries expire on their own.
type Tracker struct {
	window  time.Duration
	now     func() time.Time
	changes *pubsub.Topic[Change]
	log     *zap.SugaredLogger

	mu     sync.Mutex
	online map[string]struct{}
	typing map[string]*typingEntry
}

func NewTracker(cfg *config.Config) *Tracker {
	return newTracker(cfg.Typing.Window)
}

func newTracker(window time.Duration) *Tracker {
	return &Tracker{
		window:  window,
		now:     time.Now,
		changes: pubsub.NewTopic[Change](),
		log:     logger.MustNamed("presence"),
		online:  make(map[string]struct{}),
		typing:  make(map[string]*typingEntry),
	}
}

func (t *Tracker) Changes() *pubsub.Topic[Change] {
	return t.changes
}

func (t *Tracker) SetOnline(userID string) {
	t.mu.Lock()
	_, was := t.online[userID]
	t.online[userID] = struct{}{}
	t.mu.Unlock()
	if !was {
		t.publish(Change{Kind: ChangePresence, UserID: userID, Online: true})
	}
}

func (t *Tracker) SetOffline(userID string) {
	t.mu.Lock()
	_, was := t.online[userID]
	delete(t.online, userID)
	t.mu.Unlock()
	if was {
		t.publish(Change{Kind: ChangePresence, UserID: userID, Online: false})
	}
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// Online returns the online user ids in sorted order.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// ApplySnapshot replaces the whole online set with ids.
func (t *Tracker) ApplySnapshot(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	var changes []Change
	t.mu.Lock()
	for id := range t.online {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{Kind: ChangePresence, UserID: id, Online: false})
		}
	}
	for id := range next {
		if _, ok := t.online[id]; !ok {
			changes = append(changes, Change{Kind: ChangePresence, UserID: id, Online: true})
		}
	}
	t.online = next
	t.mu.Unlock()

	for _, c := range changes {
		t.publish(c)
	}
}

// NoteTyping inserts or refreshes the typing entry with a fresh window.
func (t *Tracker) NoteTyping(userID string) {
	t.noteTypingFor(userID, t.window)
}

func (t *Tracker) noteTypingFor(userID string, d time.Duration) {
	t.mu.Lock()
	e, ok := t.typing[userID]
	if !ok {
		e = &typingEntry{}
		e.timer = timer.New(func() { t.expire(userID, e) })
		t.typing[userID] = e
	}
	e.expires = t.now().Add(d)
	e.timer.Reschedule(d)
	t.mu.Unlock()

	if !ok {
		t.publish(Change{Kind: ChangeTyping, UserID: userID, Typing: true})
	}
}

func (t *Tracker) ClearTyping(userID string) {
	t.mu.Lock()
	e, ok := t.typing[userID]
	if ok {
		e.timer.Cancel()
		delete(t.typing, userID)
	}
	t.mu.Unlock()
	if ok {
		t.publish(Change{Kind: ChangeTyping, UserID: userID, Typing: false})
	}
}

// IsTyping is false once the entry's expiry has passed, whether or not the
// sweep has removed it yet.
func (t *Tracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.typing[userID]
	return ok && t.now().Before(e.expires)
}

func (t *Tracker) expire(userID string, e *typingEntry) {
	t.mu.Lock()
	// A refresh may land between the timer firing and this lock.
	if cur, ok := t.typing[userID]; !ok || cur != e || t.now().Before(e.expires) {
		t.mu.Unlock()
		return
	}
	delete(t.typing, userID)
	t.mu.Unlock()
	t.publish(Change{Kind: ChangeTyping, UserID: userID, Typing: false})
}

func (t *Tracker) publish(c Change) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := t.changes.Publish(ctx, c); err != nil {
		t.log.Debugw("presence change dropped", "user_id", c.UserID, "kind", c.Kind, "error", err)
	}
}

// Run consumes presence and typing events until ctx is done or the
// connection topics are closed.
func (t *Tracker) Run(ctx context.Context, events *connection.Events) {
	status, cancelStatus := events.StatusChanges.Subscribe()
	defer cancelStatus()
	snapshots, cancelSnapshots := events.OnlineUsers.Subscribe()
	defer cancelSnapshots()
	typing, cancelTyping := events.Typing.Subscribe()
	defer cancelTyping()
	stopped, cancelStopped := events.StoppedTyping.Subscribe()
	defer cancelStopped()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-status:
			if !ok {
				return
			}
			if ev.Status == models.PresenceOnline {
				t.SetOnline(ev.UserID)
			} else {
				t.SetOffline(ev.UserID)
			}
		case ev, ok := <-snapshots:
			if !ok {
				return
			}
			t.ApplySnapshot(ev.UserIDs)
		case ev, ok := <-typing:
			if !ok {
				return
			}
			t.NoteTyping(ev.UserID)
		case ev, ok := <-stopped:
			if !ok {
				return
			}
			if ev.GraceMs > 0 {
				t.noteTypingFor(ev.UserID, time.Duration(ev.GraceMs)*time.Millisecond)
			} else {
				t.ClearTyping(ev.UserID)
			}
		}
	}
}

// Close stops every pending expiry and closes the change topic.
func (t *Tracker) Close() {
	t.mu.Lock()
	for id, e := range t.typing {
		e.timer.Cancel()
		delete(t.typing, id)
	}
	t.mu.Unlock()
	t.changes.Close()
}

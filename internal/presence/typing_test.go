package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nguyentranbao-ct/chat-client/internal/models"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (r *recordingEmitter) Emit(ctx context.Context, event string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	sig := data.(models.TypingSignal)
	r.events = append(r.events, event+":"+sig.RecipientID)
	return nil
}

func (r *recordingEmitter) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestKeystrokesEmitOneStartPerBurst(t *testing.T) {
	em := &recordingEmitter{}
	n := newTypingNotifier(em, 40*time.Millisecond)
	defer n.Close()

	for range 5 {
		n.Keystroke(t.Context(), "p")
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []string{"typing_start:p"}, em.sent())
	assert.True(t, n.Active("p"))

	require.Eventually(t, func() bool { return len(em.sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"typing_start:p", "typing_stop:p"}, em.sent())
	assert.False(t, n.Active("p"))

	n.Keystroke(t.Context(), "p")
	assert.Equal(t, "typing_start:p", em.sent()[2])
}

func TestFlushStopsImmediately(t *testing.T) {
	em := &recordingEmitter{}
	n := newTypingNotifier(em, 30*time.Millisecond)
	defer n.Close()

	n.Keystroke(t.Context(), "p")
	n.Flush(t.Context(), "p")
	assert.Equal(t, []string{"typing_start:p", "typing_stop:p"}, em.sent())

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, em.sent(), 2)

	n.Flush(t.Context(), "p")
	assert.Len(t, em.sent(), 2)
}

func TestBurstsAreIndependentPerRecipient(t *testing.T) {
	em := &recordingEmitter{}
	n := newTypingNotifier(em, time.Hour)
	defer n.Close()

	n.Keystroke(t.Context(), "a")
	n.Keystroke(t.Context(), "b")
	n.Keystroke(t.Context(), "a")
	n.Flush(t.Context(), "b")

	assert.Equal(t, []string{"typing_start:a", "typing_start:b", "typing_stop:b"}, em.sent())
	assert.True(t, n.Active("a"))
}

func TestUnavailableConnectionIsSilent(t *testing.T) {
	em := &recordingEmitter{err: errors.New("duplex connection unavailable")}
	n := newTypingNotifier(em, 10*time.Millisecond)
	defer n.Close()

	assert.NotPanics(t, func() {
		n.Keystroke(t.Context(), "p")
		n.Flush(t.Context(), "p")
	})
	assert.Empty(t, em.sent())
}

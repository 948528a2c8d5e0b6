// Package timer is a cancellable, reschedulable one-shot timer owned by the
// component that needs the expiry.
package timer

import (
	"sync"
	"time"
)

// Timer runs fn once after a delay unless cancelled or rescheduled first.
// Each Schedule/Reschedule starts a new generation; a callback from an older
// generation never runs.
type Timer struct {
	mu    sync.Mutex
	t     *time.Timer
	gen   uint64
	fn    func()
	armed bool
}

func New(fn func()) *Timer {
	return &Timer{fn: fn}
}

// Schedule arms the timer for d. An already armed timer is rescheduled.
func (t *Timer) Schedule(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.arm(d)
}

// Reschedule is Schedule under the name call sites read better with.
func (t *Timer) Reschedule(d time.Duration) {
	t.Schedule(d)
}

// Cancel disarms the timer. It reports whether a pending run was prevented.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return false
	}
	t.gen++
	t.armed = false
	t.t.Stop()
	return true
}

// Pending reports whether the timer is armed.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

func (t *Timer) arm(d time.Duration) {
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.armed = true
	t.t = time.AfterFunc(d, func() {
		t.mu.Lock()
		if gen != t.gen || !t.armed {
			t.mu.Unlock()
			return
		}
		t.armed = false
		t.mu.Unlock()
		t.fn()
	})
}

package telephony

import (
	"context"
	"sync"
	"time"
)

// DefaultAutoCloseDelay is how long an ended call stays on screen.
const DefaultAutoCloseDelay = 3 * time.Second

// AutoCloser dismisses a session some time after it ends cleanly. Failed
// calls are left in place so the error stays visible.
type AutoCloser struct {
	session *CallSession
	delay   time.Duration
	clock   Clock

	mu      sync.Mutex
	pending Timer
	target  State
}

// NewAutoCloser creates an AutoCloser for session.
func NewAutoCloser(session *CallSession, delay time.Duration, clock Clock) *AutoCloser {
	if delay <= 0 {
		delay = DefaultAutoCloseDelay
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &AutoCloser{session: session, delay: delay, clock: clock}
}

// Run observes session states until ctx is done.
func (a *AutoCloser) Run(ctx context.Context) {
	states, cancel := a.session.Subscribe(16)
	defer cancel()
	defer a.cancelPending()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			a.Observe(st)
		}
	}
}

// Observe schedules dismissal when st is ended and cancels any pending
// dismissal otherwise.
func (a *AutoCloser) Observe(st State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st.Status != StatusEnded {
		a.cancelLocked()
		return
	}
	if a.pending != nil && sameCall(a.target, st) {
		return
	}
	a.cancelLocked()
	a.target = st
	a.pending = a.clock.AfterFunc(a.delay, func() { a.fire(st) })
}

func (a *AutoCloser) fire(st State) {
	a.mu.Lock()
	if a.pending == nil || !sameCall(a.target, st) {
		a.mu.Unlock()
		return
	}
	a.pending = nil
	a.mu.Unlock()

	a.session.ResetIf(func(cur State) bool {
		return cur.Status == StatusEnded && sameCall(cur, st)
	})
}

func (a *AutoCloser) cancelPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelLocked()
}

func (a *AutoCloser) cancelLocked() {
	if a.pending != nil {
		a.pending.Stop()
		a.pending = nil
	}
}

func sameCall(a, b State) bool {
	if a.CallID != b.CallID || a.PhoneNumber != b.PhoneNumber {
		return false
	}
	if (a.StartTime == nil) != (b.StartTime == nil) {
		return false
	}
	return a.StartTime == nil || a.StartTime.Equal(*b.StartTime)
}

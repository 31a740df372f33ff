package locator

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// deadlineAfter adds budget to now on the wall clock, carrying nanosecond
// overflow into the seconds.
func deadlineAfter(now time.Time, budget time.Duration) time.Time {
	const billion = int64(time.Second)
	sec := now.Unix() + int64(budget/time.Second)
	nsec := int64(now.Nanosecond()) + int64(budget%time.Second)
	if nsec >= billion {
		sec++
		nsec -= billion
	}
	return time.Unix(sec, nsec)
}

// Timer fires a callback once at an absolute deadline unless cancelled
// first. A Timer is single-use.
type Timer struct {
	now func() time.Time

	armed      atomic.Bool
	fired      atomic.Bool
	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

// NewTimer returns an unarmed timer.
func NewTimer() *Timer {
	return &Timer{
		now:    time.Now,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Arm starts the timer goroutine. onExpire runs on that goroutine when the
// deadline passes without a Cancel. It must not call Cancel.
func (t *Timer) Arm(budget time.Duration, onExpire func()) error {
	if !t.armed.CompareAndSwap(false, true) {
		return errors.New("timer already armed")
	}
	if budget < 0 {
		budget = 0
	}
	deadline := deadlineAfter(t.now(), budget)
	go t.run(deadline, onExpire)
	return nil
}

func (t *Timer) run(deadline time.Time, onExpire func()) {
	defer close(t.done)

	wait := time.NewTimer(deadline.Sub(t.now()))
	defer wait.Stop()

	select {
	case <-t.cancel:
		return
	case <-wait.C:
	}

	// A cancel that raced the expiry wins.
	select {
	case <-t.cancel:
		return
	default:
	}
	t.fired.Store(true)
	onExpire()
}

// Cancel wakes the timer without firing it and waits for its goroutine to
// exit. Cancel is idempotent and a no-op after expiry.
func (t *Timer) Cancel() {
	t.cancelOnce.Do(func() { close(t.cancel) })
	if t.armed.Load() {
		<-t.done
	}
}

// Fired reports whether onExpire was invoked.
func (t *Timer) Fired() bool {
	return t.fired.Load()
}

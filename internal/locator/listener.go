package locator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/appdriver/internal/a11y"
	"github.com/bryanchriswhite/appdriver/internal/logger"
)

// Listener watches window activation events for the walker's target frame.
type Listener struct {
	provider a11y.Provider
	walker   *Walker

	mu       sync.Mutex
	sub      a11y.Subscription
	onMatch  func(a11y.Node)
	armed    bool
	matched  bool
	disarmed bool
}

// NewListener returns an unarmed listener.
func NewListener(p a11y.Provider, w *Walker) *Listener {
	return &Listener{provider: p, walker: w}
}

// Arm subscribes to window activation events. onMatch receives a retained
// reference to the first matching frame, at most once, possibly on a
// provider goroutine.
func (l *Listener) Arm(onMatch func(a11y.Node)) error {
	l.mu.Lock()
	if l.armed {
		l.mu.Unlock()
		return errors.New("listener already armed")
	}
	l.armed = true
	l.onMatch = onMatch
	l.mu.Unlock()

	sub, err := l.provider.Subscribe(a11y.EventWindowActivate, l.handle)
	if err != nil {
		return fmt.Errorf("failed to register window activation listener: %w", err)
	}

	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()
	return nil
}

func (l *Listener) handle(ev a11y.Event) {
	if ev.Type != a11y.EventWindowActivate || ev.Source == nil {
		return
	}
	if l.stale() {
		return
	}

	ok, err := l.walker.Match(ev.Source)
	if err != nil {
		// The window may be gone already; a later event can still match.
		logger.WithComponent("locator").Debug().
			Err(err).
			Str("node", ev.Source.ID()).
			Msg("Ignoring activation event that could not be inspected")
		return
	}
	if !ok {
		return
	}

	// onMatch runs under mu so Disarm cannot return while it is in flight.
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.matched || l.disarmed {
		return
	}
	l.matched = true
	l.onMatch(l.provider.Retain(ev.Source))
}

func (l *Listener) stale() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.matched || l.disarmed
}

// Disarm unsubscribes. It is idempotent and safe on a listener that never
// matched or never armed. No onMatch call starts after Disarm returns.
func (l *Listener) Disarm() error {
	l.mu.Lock()
	if l.disarmed {
		l.mu.Unlock()
		return nil
	}
	l.disarmed = true
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := l.provider.UnsubscribeAll(sub); err != nil {
		return fmt.Errorf("failed to deregister window activation listener: %w", err)
	}
	return nil
}

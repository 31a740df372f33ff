// Package locator finds a named top-level window in the accessibility tree,
// waiting a bounded time for it to be activated if it is not there yet.
//
// A search scans the tree once. On a miss it races window activation events
// against a deadline timer; whichever resolves first decides the outcome and
// the other is cancelled. Teardown always runs, whatever the outcome.
package locator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/appdriver/internal/a11y"
	"github.com/bryanchriswhite/appdriver/internal/logger"
)

// Option configures a Locator.
type Option func(*Locator)

// WithMetrics records search outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(l *Locator) {
		l.metrics = m
	}
}

// Locator runs searches against one provider, one at a time. The provider is
// initialised at the start of every search and shut down at its end.
type Locator struct {
	provider a11y.Provider
	metrics  *Metrics

	// mu serializes searches: provider Init/Shutdown is process-wide.
	mu sync.Mutex

	activeMu  sync.Mutex
	active    *gate
	searching bool
	// pending is a Shutdown that arrived before the search installed its gate.
	pending bool
}

// New returns a Locator for p.
func New(p a11y.Provider, opts ...Option) *Locator {
	l := &Locator{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}
	return l
}

// Locate searches for the frame named title. A zero timeout means
// DefaultTimeout. It returns ErrNotRunning when the timeout passes without a
// match.
func (l *Locator) Locate(title string, timeout time.Duration) (Window, error) {
	return l.Search(Request{Title: title, Timeout: timeout}).Result()
}

// Search runs one request to its single outcome.
func (l *Locator) Search(req Request) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setSearching(true)
	defer l.setSearching(false)

	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}

	log := logger.WithComponent("locator")
	log.Debug().Str("title", req.Title).Dur("timeout", req.Timeout).Msg("Searching for window")

	start := time.Now()
	out := l.run(req)
	elapsed := time.Since(start)
	l.metrics.observe(out, elapsed)

	ev := log.Debug()
	if out.Kind == ProviderError {
		ev = log.Warn().Err(out.Err)
	}
	ev.Str("title", req.Title).
		Str("outcome", out.Kind.String()).
		Str("source", out.Window.Source).
		Dur("elapsed", elapsed).
		Msg("Search finished")
	return out
}

// Shutdown aborts the search in flight, if any, including one whose
// provider is still initialising. The aborted search still tears down its
// subscription and the provider before returning ErrShutdown.
func (l *Locator) Shutdown() {
	l.activeMu.Lock()
	g := l.active
	if g == nil && l.searching {
		l.pending = true
	}
	l.activeMu.Unlock()
	if g != nil {
		g.resolve(failed(ErrShutdown))
	}
}

func (l *Locator) setSearching(on bool) {
	l.activeMu.Lock()
	l.searching = on
	l.active = nil
	l.pending = false
	l.activeMu.Unlock()
}

// install makes g the target of Shutdown and resolves it at once if a
// Shutdown is already pending.
func (l *Locator) install(g *gate) {
	l.activeMu.Lock()
	l.active = g
	pending := l.pending
	l.pending = false
	l.activeMu.Unlock()
	if pending {
		g.resolve(failed(ErrShutdown))
	}
}

func (l *Locator) run(req Request) (out Outcome) {
	if err := l.init(); err != nil {
		return failed(err)
	}

	g := newGate()
	walker := NewWalker(l.provider, req.Title)
	listener := NewListener(l.provider, walker)
	timer := NewTimer()
	var desktop a11y.Node

	defer func() {
		out = l.teardown(g, timer, listener, desktop)
	}()

	l.install(g)
	if g.isResolved() {
		// Shut down while the provider was initialising.
		return
	}

	err := listener.Arm(func(n a11y.Node) {
		if !g.resolve(found(n, req.Title, SourceEvent)) {
			l.provider.Release(n)
		}
	})
	if err != nil {
		g.resolve(failed(err))
		return
	}

	var match a11y.Node
	desktop, match, err = l.scan(walker)
	switch {
	case err != nil:
		g.resolve(failed(err))
		return
	case match != nil:
		if !g.resolve(found(match, req.Title, SourceScan)) {
			l.provider.Release(match)
		}
		return
	case g.isResolved():
		// Activation or Shutdown won while the scan was running.
		return
	}

	if err := timer.Arm(req.Timeout, func() { g.resolve(notRunning()) }); err != nil {
		g.resolve(failed(err))
		return
	}
	g.wait()
	return
}

func (l *Locator) init() error {
	err := l.provider.Init()
	if err == nil {
		return nil
	}
	if errors.Is(err, a11y.ErrNotEnabled) {
		return &ConfigurationError{Err: err}
	}
	return fmt.Errorf("failed to initialise accessibility provider: %w", err)
}

// filter is the installed error handler: TransientFilter plus accounting.
func (l *Locator) filter(f *a11y.Fault) bool {
	if !TransientFilter(f) {
		return false
	}
	l.metrics.transient.Inc()
	logger.WithComponent("locator").Debug().Str("op", f.Op).Msg("Ignoring transient provider fault")
	return true
}

// openDesktop fetches the single desktop root. The caller owns the result.
func (l *Locator) openDesktop() (a11y.Node, error) {
	count, err := l.provider.DesktopCount()
	if err != nil {
		return nil, fmt.Errorf("failed to count desktops: %w", err)
	}
	if count != 1 {
		return nil, &ConfigurationError{Err: &a11y.DesktopCountError{Count: count}}
	}
	desktop, err := l.provider.Desktop(0)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch desktop: %w", err)
	}
	return desktop, nil
}

// scan runs the synchronous walk with the transient filter installed.
func (l *Locator) scan(w *Walker) (desktop, match a11y.Node, err error) {
	if !l.provider.PushErrorHandler(l.filter) {
		return nil, nil, errors.New("failed to add an error handler")
	}
	defer l.provider.PopErrorHandler()

	desktop, err = l.openDesktop()
	if err != nil {
		return nil, nil, err
	}
	match, err = w.Scan(desktop)
	return desktop, match, err
}

// teardown releases everything a search owns, in order: timer, listener,
// nodes, provider. Errors found here replace a non-error outcome.
func (l *Locator) teardown(g *gate, timer *Timer, listener *Listener, desktop a11y.Node) Outcome {
	log := logger.WithComponent("locator")

	// No-op unless an early return left the gate open.
	g.resolve(failed(errors.New("search ended without an outcome")))

	timer.Cancel()
	disarmErr := listener.Disarm()

	out := g.take()
	if out.node != nil {
		l.provider.Release(out.node)
		out.node = nil
	}
	if desktop != nil {
		l.provider.Release(desktop)
	}

	leaks := l.provider.Shutdown()

	if disarmErr != nil {
		log.Warn().Err(disarmErr).Msg("Listener teardown failed")
		if out.Kind != ProviderError {
			out = failed(disarmErr)
		}
	}
	if leaks != 0 {
		log.Warn().Int("leaks", leaks).Msg("Provider reported leaked nodes")
		if out.Kind != ProviderError {
			out = failed(&a11y.LeakError{Count: leaks})
		}
	}
	return out
}

// ListFrames returns every frame under the desktop, grouped by application
// in tree order.
func (l *Locator) ListFrames() (frames []FrameInfo, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.init(); err != nil {
		return nil, err
	}
	defer func() {
		if leaks := l.provider.Shutdown(); leaks != 0 && err == nil {
			err = &a11y.LeakError{Count: leaks}
		}
	}()

	if !l.provider.PushErrorHandler(l.filter) {
		return nil, errors.New("failed to add an error handler")
	}
	defer l.provider.PopErrorHandler()

	desktop, err := l.openDesktop()
	if err != nil {
		return nil, err
	}
	defer l.provider.Release(desktop)

	return NewWalker(l.provider, "").Frames(desktop)
}

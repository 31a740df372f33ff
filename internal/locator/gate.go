package locator

import "sync"

// gate is the single-resolution point shared by the scan, the activation
// listener and the deadline timer. The first resolve wins; the rest are
// no-ops.
type gate struct {
	mu       sync.Mutex
	resolved bool
	outcome  Outcome
	done     chan struct{}
}

func newGate() *gate {
	return &gate{done: make(chan struct{})}
}

// resolve stores o unless an outcome is already stored, and reports whether
// it did. A losing caller keeps ownership of any node it brought.
func (g *gate) resolve(o Outcome) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolved {
		return false
	}
	g.resolved = true
	g.outcome = o
	close(g.done)
	return true
}

func (g *gate) isResolved() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolved
}

// wait blocks until the gate is resolved and returns the stored outcome.
func (g *gate) wait() Outcome {
	<-g.done
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcome
}

// take removes the matched node from the stored outcome so teardown can
// release it exactly once.
func (g *gate) take() Outcome {
	o := g.wait()
	g.mu.Lock()
	g.outcome.node = nil
	g.mu.Unlock()
	return o
}

package a11y

import "sync"

// Handlers is the error handler stack shared by the provider
// implementations. Embed it to satisfy PushErrorHandler and PopErrorHandler.
type Handlers struct {
	mu    sync.Mutex
	stack []ErrorHandler
}

// PushErrorHandler installs fn as the innermost handler.
func (h *Handlers) PushErrorHandler(fn ErrorHandler) bool {
	if fn == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stack = append(h.stack, fn)
	return true
}

// PopErrorHandler removes the innermost handler. Popping an empty stack is a no-op.
func (h *Handlers) PopErrorHandler() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.stack); n > 0 {
		h.stack[n-1] = nil
		h.stack = h.stack[:n-1]
	}
}

// Depth returns the number of installed handlers.
func (h *Handlers) Depth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stack)
}

// Raise offers f to the innermost handler. It returns nil when the fault was
// handled and f otherwise.
func (h *Handlers) Raise(f *Fault) error {
	h.mu.Lock()
	var top ErrorHandler
	if n := len(h.stack); n > 0 {
		top = h.stack[n-1]
	}
	h.mu.Unlock()

	// The handler runs unlocked so it may log or count without deadlocking
	// against a concurrent push or pop.
	if top != nil && top(f) {
		return nil
	}
	return f
}

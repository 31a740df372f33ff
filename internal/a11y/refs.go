package a11y

import "sync"

// Refs counts outstanding node references by ID so a provider can report
// leaks from Shutdown.
type Refs struct {
	mu   sync.Mutex
	live map[string]int
}

// Acquire records one more reference to id.
func (r *Refs) Acquire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live == nil {
		r.live = make(map[string]int)
	}
	r.live[id]++
}

// Drop records the release of one reference to id. It reports false when no
// reference was held, which means the caller released a node twice.
func (r *Refs) Drop(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.live[id]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r.live, id)
	} else {
		r.live[id] = n - 1
	}
	return true
}

// Leaks returns the number of references still held.
func (r *Refs) Leaks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.live {
		total += n
	}
	return total
}

// Reset forgets every reference and returns how many were outstanding.
func (r *Refs) Reset() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.live {
		total += n
	}
	r.live = nil
	return total
}

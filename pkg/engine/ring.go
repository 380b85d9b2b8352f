package engine

import (
	"sync"
	"time"
)

// DefaultRingSize is the number of attempts kept for the re-probe heuristic.
const DefaultRingSize = 16

// Attempt is one dispatch attempt as remembered by the Ring.
type Attempt struct {
	Method Method
	Tier   string
	Kind   ErrorKind // empty on success
	At     time.Time
}

// Ring is a fixed-size buffer of recent attempts. It holds no request data.
type Ring struct {
	mu   sync.Mutex
	buf  []Attempt
	next int
	full bool
}

// NewRing creates a Ring holding size attempts.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]Attempt, size)}
}

// Add records an attempt, overwriting the oldest when full.
func (r *Ring) Add(a Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = a
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns attempts oldest first.
func (r *Ring) Recent() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recentLocked()
}

func (r *Ring) recentLocked() []Attempt {
	if !r.full {
		return append([]Attempt(nil), r.buf[:r.next]...)
	}
	out := make([]Attempt, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// CountFailures counts attempts of kind among the last window attempts made
// with method.
func (r *Ring) CountFailures(method Method, kind ErrorKind, window int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.recentLocked()
	seen, n := 0, 0
	for i := len(all) - 1; i >= 0 && seen < window; i-- {
		if all[i].Method != method {
			continue
		}
		seen++
		if all[i].Kind == kind {
			n++
		}
	}
	return n
}

// Forget drops every attempt made with method, so one re-probe is not
// followed by another for the same failures.
func (r *Ring) Forget(method Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []Attempt
	for _, a := range r.recentLocked() {
		if a.Method != method {
			kept = append(kept, a)
		}
	}
	clear(r.buf)
	copy(r.buf, kept)
	r.next = len(kept) % len(r.buf)
	r.full = len(kept) == len(r.buf)
}

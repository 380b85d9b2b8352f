package capability

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Prober is satisfied by *Detector.
type Prober interface {
	Detect(ctx context.Context) Snapshot
}

// Holder publishes the current Snapshot. Readers never lock; a re-probe swaps
// the pointer to a freshly built value.
type Holder struct {
	current    atomic.Pointer[Snapshot]
	generation atomic.Uint64
	prober     Prober
	group      singleflight.Group
	onSwap     func(old, new Snapshot)
}

// NewHolder publishes initial as generation 1.
func NewHolder(initial Snapshot, prober Prober) *Holder {
	h := &Holder{prober: prober}
	initial.Generation = h.generation.Add(1)
	h.current.Store(&initial)
	return h
}

// OnSwap registers a callback invoked after each re-probe. It must be set
// before the Holder is shared.
func (h *Holder) OnSwap(fn func(old, new Snapshot)) {
	h.onSwap = fn
}

// Current returns the published snapshot.
func (h *Holder) Current() Snapshot {
	return *h.current.Load()
}

// Reprobe runs the prober and publishes the result. Concurrent callers share a
// single probe and all receive its snapshot.
func (h *Holder) Reprobe(ctx context.Context) Snapshot {
	v, _, _ := h.group.Do("reprobe", func() (any, error) {
		snap := h.prober.Detect(ctx)
		snap.Generation = h.generation.Add(1)
		old := h.current.Swap(&snap)
		if h.onSwap != nil {
			h.onSwap(*old, snap)
		}
		return snap, nil
	})
	return v.(Snapshot)
}

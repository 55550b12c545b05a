// Package buffer provides the fixed-capacity ring buffer that holds captured
// CSI samples between the capture task and the dispatcher. Overflow evicts the
// oldest slot rather than blocking or failing: under sustained overrun the
// buffer always contains the N most recent samples in arrival order.
package buffer

import (
	"sync"
	"sync/atomic"

	"csinode/csi"
)

// Ring is the only structure shared between the capture writer and the
// dispatcher reader. The mutex guards only the index updates; it is never
// held across I/O or allocation-heavy work.
type Ring struct {
	mu       sync.Mutex
	slots    []*csi.Sample
	head     int // next write position
	length   int // live entries, always <= capacity
	capacity int

	pushed  atomic.Uint64
	evicted atomic.Uint64
	drained atomic.Uint64
}

// NewRing allocates a ring with the given capacity. Capacity is fixed for the
// life of the buffer; there is no runtime resize.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Ring{
		slots:    make([]*csi.Sample, capacity),
		capacity: capacity,
	}
}

// Push stores a sample, evicting the oldest entry when full. It never blocks
// and never fails; the return value reports whether an eviction occurred.
func (r *Ring) Push(s *csi.Sample) bool {
	r.mu.Lock()
	evict := r.length == r.capacity
	r.slots[r.head] = s
	r.head = (r.head + 1) % r.capacity
	if !evict {
		r.length++
	}
	r.mu.Unlock()

	r.pushed.Add(1)
	if evict {
		r.evicted.Add(1)
	}
	return evict
}

// Drain removes and returns up to maxN oldest samples in arrival order.
func (r *Ring) Drain(maxN int) []*csi.Sample {
	if maxN <= 0 {
		return nil
	}
	r.mu.Lock()
	n := r.length
	if n > maxN {
		n = maxN
	}
	if n == 0 {
		r.mu.Unlock()
		return nil
	}
	out := make([]*csi.Sample, n)
	tail := (r.head - r.length + 2*r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		idx := (tail + i) % r.capacity
		out[i] = r.slots[idx]
		r.slots[idx] = nil
	}
	r.length -= n
	r.mu.Unlock()

	r.drained.Add(uint64(n))
	return out
}

// Len returns the number of samples currently buffered.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length
}

// Capacity returns the fixed slot count.
func (r *Ring) Capacity() int {
	return r.capacity
}

// Pushed returns the total number of samples ever pushed.
func (r *Ring) Pushed() uint64 {
	return r.pushed.Load()
}

// Evicted returns the total number of samples lost to overwrite.
func (r *Ring) Evicted() uint64 {
	return r.evicted.Load()
}

// Drained returns the total number of samples handed to the dispatcher.
func (r *Ring) Drained() uint64 {
	return r.drained.Load()
}

// Package ring provides a bounded single-producer/single-consumer queue used
// to hand audio buffers from the real-time capture goroutine to the network
// writer without locks.
//
// Exactly one goroutine may call [SPSC.TryPush] and exactly one goroutine may
// call [SPSC.TryPop]. Values are moved, not shared: after a successful push
// the producer must not touch the value again.
package ring

import "sync/atomic"

// SPSC is a fixed-capacity lock-free ring buffer.
type SPSC[T any] struct {
	mask  uint64
	slots []T

	_    [56]byte // keep head and tail on separate cache lines
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
}

// New returns a ring that holds at least capacity values. The capacity is
// rounded up to the next power of two; values below 1 become 1.
func New[T any](capacity int) *SPSC[T] {
	size := uint64(1)
	for size < uint64(max(capacity, 1)) {
		size <<= 1
	}
	return &SPSC[T]{
		mask:  size - 1,
		slots: make([]T, size),
	}
}

// Cap returns the number of slots.
func (r *SPSC[T]) Cap() int { return len(r.slots) }

// Len returns the number of queued values. The result is a snapshot and may
// be stale by the time the caller looks at it.
func (r *SPSC[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// TryPush appends v and reports whether there was room. It never blocks.
// Producer side only.
func (r *SPSC[T]) TryPush(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() == uint64(len(r.slots)) {
		return false
	}
	r.slots[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// TryPop removes the oldest value. ok is false when the ring is empty.
// Consumer side only.
func (r *SPSC[T]) TryPop() (v T, ok bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return v, false
	}
	idx := head & r.mask
	v = r.slots[idx]
	var zero T
	r.slots[idx] = zero // release the reference
	r.head.Store(head + 1)
	return v, true
}

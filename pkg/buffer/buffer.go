// Package buffer holds samples between exporter pushes.
package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe circular buffer. When full the oldest entry
// is overwritten and counted as dropped.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	data     []T
	capacity int
	size     int
	head     int
	dropped  uint64
	warned   bool
	logger   *zap.Logger
}

// New creates a new RingBuffer with the specified capacity
func New[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Add appends items, overwriting the oldest entries once full.
func (rb *RingBuffer[T]) Add(items ...T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for _, item := range items {
		if rb.size == rb.capacity {
			rb.dropped++
			// once per fill, a stalled exporter would otherwise log every sample
			if !rb.warned {
				rb.warned = true
				rb.logger.Warn("ring buffer full, overwriting oldest entries",
					zap.Int("capacity", rb.capacity))
			}
		}

		rb.data[rb.head] = item
		rb.head = (rb.head + 1) % rb.capacity
		if rb.size < rb.capacity {
			rb.size++
		}
	}
}

// Drain returns all buffered items oldest first and empties the buffer.
// The returned slice is a copy.
func (rb *RingBuffer[T]) Drain() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}

	out := make([]T, rb.size)
	tail := (rb.head - rb.size + rb.capacity) % rb.capacity
	for i := range out {
		out[i] = rb.data[(tail+i)%rb.capacity]
	}

	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.size = 0
	rb.head = 0
	rb.warned = false
	return out
}

// Size returns the current number of entries in the buffer
func (rb *RingBuffer[T]) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Dropped returns how many entries were overwritten before being drained.
func (rb *RingBuffer[T]) Dropped() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dropped
}

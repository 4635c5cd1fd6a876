package router

import (
	"sync"
)

// GrowableBuffer is a thread-safe FIFO that automatically doubles its
// capacity when it reaches 70% full. Producers never block.
//
// Consumers wait on Ready, which is signalled after every Send, and then
// take everything queued with DrainTo. A signal may be stale (the items were
// already taken), so an empty drain after a wake-up is normal.
type GrowableBuffer[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool
	ready    chan struct{}

	// Stats
	totalReceived int64
	totalSent     int64
	resizeCount   int
}

// NewGrowableBuffer creates a new buffer with the given initial capacity.
func NewGrowableBuffer[T any](initialCapacity int) *GrowableBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &GrowableBuffer[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		ready:    make(chan struct{}, 1),
	}
}

// Send adds an item to the buffer. Grows the buffer if at 70% capacity.
// Returns false if the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalReceived++
	b.mu.Unlock()

	b.signal()
	return true
}

// Ready returns a channel that receives a value after items are sent or the
// buffer is closed.
func (b *GrowableBuffer[T]) Ready() <-chan struct{} {
	return b.ready
}

func (b *GrowableBuffer[T]) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// DrainTo removes up to max items (all items if max <= 0) in FIFO order.
func (b *GrowableBuffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = b.buf[b.head]
		var zero T
		b.buf[b.head] = zero
		b.head = (b.head + 1) % b.capacity
		b.count--
		b.totalSent++
	}

	return result
}

// Close closes the buffer. After closing, Send returns false; queued items
// can still be drained.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

// Len returns the current number of items in the buffer.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.count,
		Capacity:      b.capacity,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		ResizeCount:   b.resizeCount,
	}
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	ResizeCount   int
}

// grow doubles the buffer capacity. Must be called with lock held.
func (b *GrowableBuffer[T]) grow() {
	newCapacity := b.capacity * 2
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizeCount++
}

package audio

import (
	"errors"
	"sync"
)

// DefaultBufferCapacity is the initial capacity of an ElasticBuffer
const DefaultBufferCapacity = 4096

// ErrBufferClosed is returned by Pop once the buffer has been closed
var ErrBufferClosed = errors.New("elastic buffer closed")

// ElasticBuffer is a growable byte queue that decouples the capture rate from a
// connection's write rate. It supports one producer and one consumer at a time.
type ElasticBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte // len(data) is the capacity, data[:size] holds unread bytes
	size   int
	closed bool

	pushed uint64
	popped uint64
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Capacity    int    `json:"capacity_bytes"`
	Buffered    int    `json:"buffered_bytes"`
	PushedBytes uint64 `json:"pushed_bytes"`
	PoppedBytes uint64 `json:"popped_bytes"`
}

// NewElasticBuffer creates a buffer with the given initial capacity
func NewElasticBuffer(capacity int) *ElasticBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	b := &ElasticBuffer{data: make([]byte, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends p, doubling the capacity until it fits. Pushing to a closed buffer is a no-op.
func (b *ElasticBuffer) Push(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if need := b.size + len(p); need > len(b.data) {
		capacity := len(b.data)
		for capacity < need {
			capacity *= 2
		}
		grown := make([]byte, capacity)
		copy(grown, b.data[:b.size])
		b.data = grown
	}

	copy(b.data[b.size:], p)
	b.size += len(p)
	b.pushed += uint64(len(p))
	b.cond.Broadcast()
}

// Pop blocks until count bytes are buffered, then removes and returns exactly count bytes.
// It returns ErrBufferClosed if the buffer is closed before enough data arrives.
func (b *ElasticBuffer) Pop(count int) ([]byte, error) {
	if count <= 0 {
		return []byte{}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.size < count && !b.closed {
		b.cond.Wait()
	}
	if b.size < count {
		return nil, ErrBufferClosed
	}

	out := make([]byte, count)
	copy(out, b.data[:count])

	// Compact the remainder to the front
	copy(b.data, b.data[count:b.size])
	b.size -= count
	b.popped += uint64(count)

	return out, nil
}

// Len returns the number of unread bytes
func (b *ElasticBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the current capacity
func (b *ElasticBuffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Close releases any blocked Pop and discards future pushes
func (b *ElasticBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Closed reports whether Close has been called
func (b *ElasticBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// GetStats returns buffer statistics
func (b *ElasticBuffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Capacity:    len(b.data),
		Buffered:    b.size,
		PushedBytes: b.pushed,
		PoppedBytes: b.popped,
	}
}

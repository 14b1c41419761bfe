package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// GenericPool is a generic wrapper around sync.Pool
type GenericPool[T any] struct {
	pool sync.Pool
}

// NewGenericPool creates a new GenericPool with a function to create new items.
func NewGenericPool[T any](newItem func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return newItem()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an item to the pool.
func (p *GenericPool[T]) Put(item T) {
	p.pool.Put(item)
}

// bufferPool is a bounded, mutex-protected pool of scratch buffers used for
// compressing and reading chunks. Buffers that grew past maxRetain are
// dropped instead of pooled.
type bufferPool struct {
	mu        sync.Mutex
	items     []*bytes.Buffer
	capacity  int
	maxItems  int
	maxRetain int

	// Metrics
	hits        atomic.Uint64 // Number of times a buffer was successfully retrieved from the pool.
	misses      atomic.Uint64 // Number of times a buffer was requested but the pool was empty.
	created     atomic.Uint64 // Total number of new buffers created.
	currentSize atomic.Int64  // Current number of items in the pool.
}

// ChunkBufferPool serves scratch buffers sized for default chunks.
var ChunkBufferPool = NewBufferPool(DefaultChunkSize, 64)

// NewBufferPool creates a pool whose new buffers start with initialCapacity
// bytes and which keeps at most maxItems idle buffers.
func NewBufferPool(initialCapacity, maxItems int) *bufferPool {
	if maxItems <= 0 {
		maxItems = 1
	}
	return &bufferPool{
		items:     make([]*bytes.Buffer, 0, maxItems),
		capacity:  initialCapacity,
		maxItems:  maxItems,
		maxRetain: 4 * max(initialCapacity, DefaultChunkSize),
	}
}

// Get retrieves a buffer from the pool. If the pool is empty, it creates a new one.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		bp.created.Add(1)
		return bytes.NewBuffer(make([]byte, 0, bp.capacity))
	}
	bp.hits.Add(1)
	bp.currentSize.Add(-1)
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	return item
}

// GetMetrics returns the current metrics for the pool.
func (bp *bufferPool) GetMetrics() (hits, misses, created uint64, currentSize int64) {
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load(), bp.currentSize.Load()
}

// Put returns a buffer to the pool.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > bp.maxRetain {
		return
	}
	buf.Reset()
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if len(bp.items) >= bp.maxItems {
		return
	}
	bp.items = append(bp.items, buf)
	bp.currentSize.Add(1)
}

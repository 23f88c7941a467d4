package hal

import (
	"fmt"
	"sync"
)

// HeapAllocator is the host-memory Allocator used when no hugepage or
// NUMA-pinned allocator is wired in. The socket hint is recorded so
// placement can be audited, but allocation comes from the Go heap.
type HeapAllocator struct {
	mu        sync.Mutex
	perSocket map[int]int64
}

// NewHeapAllocator creates a heap-backed allocator.
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{perSocket: make(map[int]int64)}
}

// Alloc returns a zeroed buffer of the given size.
func (a *HeapAllocator) Alloc(size int, socket int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", size)
	}

	a.mu.Lock()
	a.perSocket[socket] += int64(size)
	a.mu.Unlock()

	return make([]byte, size), nil
}

// Free releases the buffer. Heap memory is reclaimed by the collector; the
// accounting is what matters here.
func (a *HeapAllocator) Free(buf []byte) {
	if buf == nil {
		return
	}
}

// AllocatedOn returns the total bytes requested for a socket.
func (a *HeapAllocator) AllocatedOn(socket int) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.perSocket[socket]
}

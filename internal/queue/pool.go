package queue

import (
	"sync"

	"github.com/piwi3910/manapmd/internal/hal"
)

// Pool is a BufferPool drawing fixed-size receive buffers from an Allocator
// with a NUMA socket hint. Returned buffers are recycled through a free
// list; misses fall through to the allocator.
type Pool struct {
	alloc   hal.Allocator
	bufSize int
	socket  int

	mu   sync.Mutex
	free [][]byte
}

// NewPool creates a pool of bufSize buffers placed on the given socket.
func NewPool(alloc hal.Allocator, bufSize, socket int) *Pool {
	return &Pool{alloc: alloc, bufSize: bufSize, socket: socket}
}

// Get returns a buffer, recycling a returned one when available.
func (p *Pool) Get() []byte {
	p.mu.Lock()

	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()

		return buf
	}

	p.mu.Unlock()

	buf, err := p.alloc.Alloc(p.bufSize, p.socket)
	if err != nil {
		return nil
	}

	return buf
}

// Put recycles a buffer. Wrong-sized buffers go back to the allocator.
func (p *Pool) Put(buf []byte) {
	if len(buf) != p.bufSize {
		p.alloc.Free(buf)
		return
	}

	p.mu.Lock()
	p.free = append(p.free, buf)
	p.mu.Unlock()
}

package queue

import (
	"testing"

	"github.com/piwi3910/manapmd/internal/hal"
)

func TestPoolRecyclesBuffers(t *testing.T) {
	alloc := hal.NewHeapAllocator()
	p := NewPool(alloc, 2048, 1)

	a := p.Get()
	if len(a) != 2048 {
		t.Fatalf("buffer size %d", len(a))
	}

	if n := alloc.AllocatedOn(1); n != 2048 {
		t.Fatalf("socket accounting: %d", n)
	}

	p.Put(a)

	b := p.Get()
	if &a[0] != &b[0] {
		t.Fatal("returned buffer was not recycled")
	}

	// No new allocation happened for the recycled buffer.
	if n := alloc.AllocatedOn(1); n != 2048 {
		t.Fatalf("socket accounting after recycle: %d", n)
	}
}

func TestPoolRejectsWrongSizedReturns(t *testing.T) {
	alloc := hal.NewHeapAllocator()
	p := NewPool(alloc, 1024, 0)

	p.Put(make([]byte, 512))

	buf := p.Get()
	if len(buf) != 1024 {
		t.Fatalf("pool handed out wrong-sized buffer: %d", len(buf))
	}
}

package queue

import "errors"

var (
	ErrRingFull  = errors.New("descriptor ring full")
	ErrRingEmpty = errors.New("descriptor ring empty")
)

// DescStatus is the ownership state of a ring slot.
type DescStatus uint8

const (
	DescFree DescStatus = iota
	DescInFlight
)

// Desc is the per-slot metadata posted to or reaped from a hardware queue.
type Desc struct {
	BufAddr uintptr
	BufLen  uint32
	LKey    uint32
	Status  DescStatus
}

// ring is a fixed-size circular descriptor buffer sized once at queue setup.
// head and tail are free-running; tail never passes head by more than the
// ring capacity.
type ring struct {
	descs []Desc
	head  uint32
	tail  uint32
}

func newRing(count uint32) *ring {
	return &ring{descs: make([]Desc, count)}
}

func (r *ring) capacity() uint32 {
	return uint32(len(r.descs)) //nolint:gosec // G115: sized from a uint32
}

func (r *ring) used() uint32 {
	return r.tail - r.head
}

func (r *ring) free() uint32 {
	return r.capacity() - r.used()
}

// push places a descriptor at the tail.
func (r *ring) push(d Desc) error {
	if r.used() >= r.capacity() {
		return ErrRingFull
	}

	d.Status = DescInFlight
	r.descs[r.tail%r.capacity()] = d
	r.tail++

	return nil
}

// pop takes the descriptor at the head.
func (r *ring) pop() (Desc, error) {
	if r.used() == 0 {
		return Desc{}, ErrRingEmpty
	}

	d := r.descs[r.head%r.capacity()]
	r.descs[r.head%r.capacity()].Status = DescFree
	r.head++

	return d, nil
}

// release drops the slot storage. The ring is unusable afterwards.
func (r *ring) release() {
	r.descs = nil
	r.head = 0
	r.tail = 0
}

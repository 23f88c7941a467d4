// Package mp coordinates the primary and secondary processes attached to
// one device: a named shared-memory segment holding attachment reference
// counts behind a cross-process spinlock, and a resource message channel the
// secondary uses to obtain privileged resources from the primary.
package mp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/piwi3910/manapmd/pkg/drverrors"
)

const (
	segmentMagic = 0x4d414e41 // "MANA"
	segmentSize  = 64

	offMagic     = 0
	offLock      = 4
	offInit      = 8
	offPrimary   = 12
	offSecondary = 16
)

var (
	ErrNoPrimary  = errors.New("shared segment not found: primary process must attach first")
	ErrBadSegment = errors.New("shared segment has wrong size or magic")
)

// Segment is the fixed-size shared-memory block visible to every process
// attached to the device: a spinlock word, an initialized flag, and the
// primary/secondary attachment counts. It is recreated fresh by the first
// primary attachment; nothing persists across a full restart.
type Segment struct {
	mem     []byte
	f       *os.File
	path    string
	created bool
}

func segmentDir(dir string) string {
	if dir != "" {
		return dir
	}

	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm"
	}

	return os.TempDir()
}

// createSegment creates (or recreates) the named segment. Primary only.
func createSegment(dir, name string) (*Segment, error) {
	path := filepath.Join(segmentDir(dir), name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create shared segment: %w", err)
	}

	if err := f.Truncate(segmentSize); err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("size shared segment: %w", err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, segmentSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("map shared segment: %w", err)
	}

	s := &Segment{mem: mem, f: f, path: path, created: true}

	for i := range mem {
		mem[i] = 0
	}

	atomic.StoreUint32(s.word(offMagic), segmentMagic)

	return s, nil
}

// openSegment attaches to an existing segment. Secondary only: if the
// segment does not exist the primary has not attached yet and that is an
// error.
func openSegment(dir, name string) (*Segment, error) {
	path := filepath.Join(segmentDir(dir), name)

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoPrimary
		}

		return nil, fmt.Errorf("open shared segment: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if st.Size() != segmentSize {
		_ = f.Close()
		return nil, ErrBadSegment
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, segmentSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("map shared segment: %w", err)
	}

	s := &Segment{mem: mem, f: f, path: path}

	if atomic.LoadUint32(s.word(offMagic)) != segmentMagic {
		s.unmap()
		return nil, ErrBadSegment
	}

	return s, nil
}

func (s *Segment) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[off]))
}

// Lock acquires the cross-process spinlock. Critical sections are O(1),
// never held across a message-channel round trip.
func (s *Segment) Lock() {
	w := s.word(offLock)

	for !atomic.CompareAndSwapUint32(w, 0, 1) {
		runtime.Gosched()
	}
}

// Unlock releases the cross-process spinlock.
func (s *Segment) Unlock() {
	atomic.StoreUint32(s.word(offLock), 0)
}

// Initialized reports the shared init-done flag. Callers hold the lock.
func (s *Segment) Initialized() bool {
	return *s.word(offInit) != 0
}

// SetInitialized sets the shared init-done flag. Callers hold the lock.
func (s *Segment) SetInitialized() {
	*s.word(offInit) = 1
}

// IncPrimary increments the primary attachment count.
func (s *Segment) IncPrimary() {
	s.Lock()
	defer s.Unlock()

	*s.word(offPrimary)++
}

// DecPrimary decrements the primary attachment count, returning the new
// value. Underflow corrupts state visible to other processes, so it aborts.
func (s *Segment) DecPrimary() uint32 {
	s.Lock()
	defer s.Unlock()

	w := s.word(offPrimary)
	if *w == 0 {
		panic(drverrors.ErrRefCountUnderflow.WithMessage("primary attachment count underflow"))
	}

	*w--

	return *w
}

// IncSecondary increments the secondary attachment count.
func (s *Segment) IncSecondary() {
	s.Lock()
	defer s.Unlock()

	*s.word(offSecondary)++
}

// DecSecondary decrements the secondary attachment count, returning the new
// value. Underflow aborts.
func (s *Segment) DecSecondary() uint32 {
	s.Lock()
	defer s.Unlock()

	w := s.word(offSecondary)
	if *w == 0 {
		panic(drverrors.ErrRefCountUnderflow.WithMessage("secondary attachment count underflow"))
	}

	*w--

	return *w
}

// PrimaryCount returns the shared primary attachment count.
func (s *Segment) PrimaryCount() uint32 {
	s.Lock()
	defer s.Unlock()

	return *s.word(offPrimary)
}

// SecondaryCount returns the shared secondary attachment count.
func (s *Segment) SecondaryCount() uint32 {
	s.Lock()
	defer s.Unlock()

	return *s.word(offSecondary)
}

func (s *Segment) unmap() {
	if s.mem != nil {
		_ = unix.Munmap(s.mem)
		s.mem = nil
	}

	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
}

// Close unmaps the segment. When remove is set (last primary detach), the
// backing file is deleted so the next primary starts fresh.
func (s *Segment) Close(remove bool) {
	s.unmap()

	if remove {
		_ = os.Remove(s.path)
	}
}

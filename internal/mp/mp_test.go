package mp

import (
	"errors"
	"testing"

	"github.com/piwi3910/manapmd/pkg/drverrors"
)

func TestAttachDetachRefCounting(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Dir: dir, Name: "seg_refcount"}

	ps, err := Attach(RolePrimary, opts)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		ps.DeviceAttached()
	}

	if n := ps.Segment().PrimaryCount(); n != 3 {
		t.Fatalf("primary count: %d", n)
	}

	for i := 2; i >= 0; i-- {
		if n := ps.DeviceDetached(); n != uint32(i) {
			t.Fatalf("detach returned %d, want %d", n, i)
		}
	}

	ps.Detach()
}

func TestSecondAttachSharesState(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Dir: dir, Name: "seg_shared"}

	a, err := Attach(RolePrimary, opts)
	if err != nil {
		t.Fatal(err)
	}

	b, err := Attach(RolePrimary, opts)
	if err != nil {
		t.Fatal(err)
	}

	if a != b {
		t.Fatal("same segment attached twice in one process")
	}

	a.DeviceAttached()

	if n := b.Segment().PrimaryCount(); n != 1 {
		t.Fatalf("count not shared: %d", n)
	}

	b.DeviceDetached()
	a.Detach()
	b.Detach()
}

func TestSecondaryRequiresPrimary(t *testing.T) {
	dir := t.TempDir()

	_, err := Attach(RoleSecondary, Options{Dir: dir, Name: "seg_orphan"})
	if !errors.Is(err, ErrNoPrimary) {
		t.Fatalf("secondary without primary: got %v", err)
	}
}

func TestSecondaryAttachesToExistingSegment(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Dir: dir, Name: "seg_pair"}

	p, err := Attach(RolePrimary, opts)
	if err != nil {
		t.Fatal(err)
	}

	p.DeviceAttached()

	// Model the secondary process by opening the segment directly.
	s, err := openSegment(dir, "seg_pair")
	if err != nil {
		t.Fatal(err)
	}

	if n := s.PrimaryCount(); n != 1 {
		t.Fatalf("secondary sees primary count %d", n)
	}

	s.IncSecondary()

	if n := p.Segment().SecondaryCount(); n != 1 {
		t.Fatalf("primary sees secondary count %d", n)
	}

	s.DecSecondary()
	s.Close(false)

	p.DeviceDetached()
	p.Detach()
}

func TestDetachUnderflowPanics(t *testing.T) {
	dir := t.TempDir()

	ps, err := Attach(RolePrimary, Options{Dir: dir, Name: "seg_underflow"})
	if err != nil {
		t.Fatal(err)
	}

	defer ps.Detach()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("underflow did not panic")
		}

		derr, ok := r.(drverrors.DriverError)
		if !ok {
			t.Fatalf("panic value %T", r)
		}

		if !errors.Is(derr, drverrors.ErrRefCountUnderflow) {
			t.Fatalf("panic error: %v", derr)
		}
	}()

	ps.DeviceDetached()
}

func TestInitOnceGate(t *testing.T) {
	dir := t.TempDir()

	ps, err := Attach(RolePrimary, Options{Dir: dir, Name: "seg_init"})
	if err != nil {
		t.Fatal(err)
	}

	defer ps.Detach()

	runs := 0

	if err := ps.InitOnce(func() error { runs++; return nil }); err != nil {
		t.Fatal(err)
	}

	if err := ps.InitOnce(func() error { runs++; return nil }); err != nil {
		t.Fatal(err)
	}

	if runs != 1 {
		t.Fatalf("init ran %d times", runs)
	}

	if !ps.LocalInitDone() {
		t.Fatal("local init flag not set")
	}
}

func TestLocalInitFlagSafeUnderConcurrentReads(t *testing.T) {
	dir := t.TempDir()

	ps, err := Attach(RolePrimary, Options{Dir: dir, Name: "seg_init_race"})
	if err != nil {
		t.Fatal(err)
	}

	defer ps.Detach()

	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := 0; i < 1000; i++ {
			_ = ps.LocalInitDone()
		}
	}()

	for i := 0; i < 100; i++ {
		if err := ps.InitOnce(func() error { return nil }); err != nil {
			t.Fatal(err)
		}
	}

	<-done

	if !ps.LocalInitDone() {
		t.Fatal("local init flag not set")
	}
}

func TestInitOnceRetriesAfterFailure(t *testing.T) {
	dir := t.TempDir()

	ps, err := Attach(RolePrimary, Options{Dir: dir, Name: "seg_init_retry"})
	if err != nil {
		t.Fatal(err)
	}

	defer ps.Detach()

	failed := errors.New("init failed")

	if err := ps.InitOnce(func() error { return failed }); !errors.Is(err, failed) {
		t.Fatalf("first init: got %v", err)
	}

	// A failed init leaves the gate open.
	if err := ps.InitOnce(func() error { return nil }); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestSegmentRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()

	s, err := createSegment(dir, "seg_corrupt")
	if err != nil {
		t.Fatal(err)
	}

	// Stomp the magic.
	s.mem[0] = 0xff
	s.Close(false)

	if _, err := openSegment(dir, "seg_corrupt"); !errors.Is(err, ErrBadSegment) {
		t.Fatalf("corrupt segment: got %v", err)
	}
}

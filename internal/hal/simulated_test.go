package hal

import (
	"errors"
	"testing"
)

func openTestDevice(t *testing.T) (*SimulatedBackend, DeviceContext) {
	t.Helper()

	b := NewSimulatedBackend()
	if err := b.Init(); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = b.Close() })

	ctx, err := b.OpenDevice("mana_0")
	if err != nil {
		t.Fatal(err)
	}

	return b, ctx
}

func TestListAndOpenDevice(t *testing.T) {
	b := NewSimulatedBackend()

	if _, err := b.ListDevices(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("list before init: got %v", err)
	}

	if err := b.Init(); err != nil {
		t.Fatal(err)
	}

	devs, err := b.ListDevices()
	if err != nil {
		t.Fatal(err)
	}

	if len(devs) != 1 || devs[0].Name != "mana_0" {
		t.Fatalf("unexpected device list: %+v", devs)
	}

	if _, err := b.OpenDevice("no_such_dev"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("open unknown device: got %v", err)
	}

	ctx, err := b.OpenDevice("mana_0")
	if err != nil {
		t.Fatal(err)
	}

	attr, err := b.QueryDevice(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if attr.MaxQueues == 0 || attr.MaxDescriptors == 0 {
		t.Fatalf("empty device limits: %+v", attr)
	}

	if err := b.CloseDevice(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := b.QueryDevice(ctx); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("query after close: got %v", err)
	}
}

func TestMemoryRegistrationLifecycle(t *testing.T) {
	b, ctx := openTestDevice(t)

	pd, err := b.AllocPD(ctx)
	if err != nil {
		t.Fatal(err)
	}

	mr, err := b.RegMR(pd, 0x10000, 4096)
	if err != nil {
		t.Fatal(err)
	}

	if mr.LKey == 0 {
		t.Fatal("registration returned zero lkey")
	}

	if b.ActiveMRs() != 1 {
		t.Fatalf("active MRs: %d", b.ActiveMRs())
	}

	if err := b.DeregMR(mr.Handle); err != nil {
		t.Fatal(err)
	}

	if err := b.DeregMR(mr.Handle); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("double deregister: got %v", err)
	}

	if b.ActiveMRs() != 0 {
		t.Fatalf("active MRs after dereg: %d", b.ActiveMRs())
	}
}

func TestQueueFailpoints(t *testing.T) {
	b, ctx := openTestDevice(t)

	pd, err := b.AllocPD(ctx)
	if err != nil {
		t.Fatal(err)
	}

	b.FailQueueCreate(true)

	if _, err := b.CreateQueue(pd, QueueSend, 256); !errors.Is(err, ErrQueueCreation) {
		t.Fatalf("armed create failpoint: got %v", err)
	}

	b.FailQueueCreate(false)

	q, err := b.CreateQueue(pd, QueueSend, 256)
	if err != nil {
		t.Fatal(err)
	}

	b.FailQueueStartAfter(0)

	if err := b.StartQueue(q); !errors.Is(err, ErrQueueStart) {
		t.Fatalf("armed start failpoint: got %v", err)
	}

	// The failpoint disarms after firing once.
	if err := b.StartQueue(q); err != nil {
		t.Fatalf("start after failpoint fired: %v", err)
	}

	if b.StartedQueues() != 1 {
		t.Fatalf("started queues: %d", b.StartedQueues())
	}
}

func TestAsyncEventInjectionAndDrain(t *testing.T) {
	b, ctx := openTestDevice(t)

	if _, err := b.GetAsyncEvent(ctx); !errors.Is(err, ErrNoEvent) {
		t.Fatalf("drained channel: got %v", err)
	}

	if err := b.InjectAsyncEvent(ctx, EventPortState); err != nil {
		t.Fatal(err)
	}

	if err := b.InjectAsyncEvent(ctx, EventDeviceFatal); err != nil {
		t.Fatal(err)
	}

	ev, err := b.GetAsyncEvent(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if ev.Kind != EventPortState {
		t.Fatalf("first event kind: %v", ev.Kind)
	}

	b.AckAsyncEvent(ev)

	ev, err = b.GetAsyncEvent(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if ev.Kind != EventDeviceFatal {
		t.Fatalf("second event kind: %v", ev.Kind)
	}

	b.AckAsyncEvent(ev)

	if _, err := b.GetAsyncEvent(ctx); !errors.Is(err, ErrNoEvent) {
		t.Fatalf("after drain: got %v", err)
	}
}

func TestDoorbellAndAsyncDescriptors(t *testing.T) {
	b, ctx := openTestDevice(t)

	fd, err := b.AsyncFD(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if fd < 0 {
		t.Fatalf("async fd: %d", fd)
	}

	db, err := b.DoorbellFD(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if db < 0 {
		t.Fatalf("doorbell fd: %d", db)
	}
}

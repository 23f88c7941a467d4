package hal

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const doorbellPageSize = 4096

// SimulatedBackend provides an in-memory adapter implementation for
// development and testing. Handles are allocated from a single counter;
// object state lives in maps guarded by one RWMutex, mirroring how the
// kernel driver tracks uverbs objects.
type SimulatedBackend struct {
	mu          sync.RWMutex
	devices     []DeviceAttr
	contexts    map[DeviceContext]*simContext
	pds         map[PD]*simPD
	mrs         map[MRHandle]*simMR
	queues      map[QueueHandle]*simQueue
	nextHandle  uintptr
	initialized bool

	metrics simMetrics

	// Failure injection for rollback tests. A negative value disables the
	// failpoint; zero fails the next call.
	failQueueStartAfter atomic.Int32
	failQueueCreate     atomic.Bool
	failRegMR           atomic.Bool
}

type simContext struct {
	attr      DeviceAttr
	eventR    *os.File
	eventW    *os.File
	doorbell  *os.File
	pending   []AsyncEvent
	unacked   int
	nextEvent uint64
}

type simPD struct {
	ctx DeviceContext
}

type simMR struct {
	pd     PD
	addr   uintptr
	length int
	lkey   uint32
}

type simQueueState int

const (
	simQueueCreated simQueueState = iota
	simQueueStarted
	simQueueStopped
)

type simQueue struct {
	pd    PD
	dir   QueueDirection
	depth uint32
	state simQueueState
}

type simMetrics struct {
	DevicesOpened int64
	PDsCreated    int64
	MRsRegistered int64
	MRsFreed      int64
	QueuesCreated int64
	QueuesStarted int64
	QueuesStopped int64
	EventsRead    int64
	EventsAcked   int64
}

// NewSimulatedBackend creates a simulated backend exposing a single
// two-port ConnectX-class device.
func NewSimulatedBackend() *SimulatedBackend {
	b := &SimulatedBackend{
		contexts: make(map[DeviceContext]*simContext),
		pds:      make(map[PD]*simPD),
		mrs:      make(map[MRHandle]*simMR),
		queues:   make(map[QueueHandle]*simQueue),
	}
	b.failQueueStartAfter.Store(-1)

	return b
}

func (b *SimulatedBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	b.devices = []DeviceAttr{
		{
			Name:           "mana_0",
			FWVer:          "1.4.1208",
			MaxQueues:      64,
			MaxDescriptors: 8192,
			MaxSGE:         30,
			MaxMR:          16384,
			MaxMRSize:      1 << 40,
			NumaNode:       0,
		},
	}
	b.initialized = true

	return nil
}

func (b *SimulatedBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ctx := range b.contexts {
		ctx.closeFiles()
	}

	b.contexts = make(map[DeviceContext]*simContext)
	b.pds = make(map[PD]*simPD)
	b.mrs = make(map[MRHandle]*simMR)
	b.queues = make(map[QueueHandle]*simQueue)
	b.initialized = false

	return nil
}

func (c *simContext) closeFiles() {
	if c.eventR != nil {
		_ = c.eventR.Close()
		_ = c.eventW.Close()
	}

	if c.doorbell != nil {
		_ = c.doorbell.Close()
	}
}

func (b *SimulatedBackend) ListDevices() ([]DeviceAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrNotInitialized
	}

	out := make([]DeviceAttr, len(b.devices))
	copy(out, b.devices)

	return out, nil
}

func (b *SimulatedBackend) OpenDevice(name string) (DeviceContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrNotInitialized
	}

	var attr *DeviceAttr

	for i := range b.devices {
		if b.devices[i].Name == name {
			attr = &b.devices[i]
			break
		}
	}

	if attr == nil {
		return 0, ErrDeviceNotFound
	}

	eventR, eventW, err := os.Pipe()
	if err != nil {
		return 0, err
	}

	doorbell, err := os.CreateTemp("", "manapmd-doorbell-*")
	if err != nil {
		_ = eventR.Close()
		_ = eventW.Close()

		return 0, err
	}

	// The doorbell file only needs to stay mappable through its fd.
	_ = os.Remove(doorbell.Name())

	if err := doorbell.Truncate(doorbellPageSize); err != nil {
		_ = eventR.Close()
		_ = eventW.Close()
		_ = doorbell.Close()

		return 0, err
	}

	b.nextHandle++
	ctx := DeviceContext(b.nextHandle)
	b.contexts[ctx] = &simContext{
		attr:     *attr,
		eventR:   eventR,
		eventW:   eventW,
		doorbell: doorbell,
	}
	atomic.AddInt64(&b.metrics.DevicesOpened, 1)

	return ctx, nil
}

func (b *SimulatedBackend) CloseDevice(ctx DeviceContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return ErrInvalidHandle
	}

	c.closeFiles()
	delete(b.contexts, ctx)

	return nil
}

func (b *SimulatedBackend) QueryDevice(ctx DeviceContext) (*DeviceAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return nil, ErrInvalidHandle
	}

	attr := c.attr

	return &attr, nil
}

func (b *SimulatedBackend) AllocPD(ctx DeviceContext) (PD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrInvalidHandle
	}

	b.nextHandle++
	pd := PD(b.nextHandle)
	b.pds[pd] = &simPD{ctx: ctx}
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *SimulatedBackend) DeallocPD(pd PD) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return ErrInvalidHandle
	}

	delete(b.pds, pd)

	return nil
}

func (b *SimulatedBackend) RegMR(pd PD, addr uintptr, length int) (*MemoryRegion, error) {
	if b.failRegMR.Load() {
		return nil, ErrMRRegistration
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return nil, ErrPDAllocation
	}

	b.nextHandle++
	h := MRHandle(b.nextHandle)
	b.mrs[h] = &simMR{
		pd:     pd,
		addr:   addr,
		length: length,
		lkey:   uint32(b.nextHandle), //nolint:gosec // G115: handle counter stays small
	}
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return &MemoryRegion{
		Handle: h,
		LKey:   b.mrs[h].lkey,
		Addr:   addr,
		Length: length,
	}, nil
}

func (b *SimulatedBackend) DeregMR(mr MRHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.mrs[mr]; !ok {
		return ErrInvalidHandle
	}

	delete(b.mrs, mr)
	atomic.AddInt64(&b.metrics.MRsFreed, 1)

	return nil
}

func (b *SimulatedBackend) CreateQueue(pd PD, dir QueueDirection, depth uint32) (QueueHandle, error) {
	if b.failQueueCreate.Load() {
		return 0, ErrQueueCreation
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return 0, ErrPDAllocation
	}

	b.nextHandle++
	q := QueueHandle(b.nextHandle)
	b.queues[q] = &simQueue{pd: pd, dir: dir, depth: depth}
	atomic.AddInt64(&b.metrics.QueuesCreated, 1)

	return q, nil
}

func (b *SimulatedBackend) StartQueue(q QueueHandle) error {
	if n := b.failQueueStartAfter.Load(); n >= 0 {
		b.failQueueStartAfter.Add(-1)
		if n == 0 {
			return ErrQueueStart
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sq, ok := b.queues[q]
	if !ok {
		return ErrInvalidHandle
	}

	sq.state = simQueueStarted
	atomic.AddInt64(&b.metrics.QueuesStarted, 1)

	return nil
}

func (b *SimulatedBackend) StopQueue(q QueueHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sq, ok := b.queues[q]
	if !ok {
		return ErrInvalidHandle
	}

	sq.state = simQueueStopped
	atomic.AddInt64(&b.metrics.QueuesStopped, 1)

	return nil
}

func (b *SimulatedBackend) DestroyQueue(q QueueHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[q]; !ok {
		return ErrInvalidHandle
	}

	delete(b.queues, q)

	return nil
}

func (b *SimulatedBackend) AsyncFD(ctx DeviceContext) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return -1, ErrInvalidHandle
	}

	if c.eventR == nil {
		return -1, ErrNoAsyncChannel
	}

	return int(c.eventR.Fd()), nil
}

// InjectAsyncEvent queues an event and makes the async fd readable. Test
// hook standing in for the hardware raising an interrupt.
func (b *SimulatedBackend) InjectAsyncEvent(ctx DeviceContext, kind AsyncEventKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return ErrInvalidHandle
	}

	c.nextEvent++
	c.pending = append(c.pending, AsyncEvent{Kind: kind, ID: c.nextEvent})

	_, err := c.eventW.Write([]byte{0})

	return err
}

func (b *SimulatedBackend) GetAsyncEvent(ctx DeviceContext) (*AsyncEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return nil, ErrInvalidHandle
	}

	if len(c.pending) == 0 {
		return nil, ErrNoEvent
	}

	ev := c.pending[0]
	c.pending = c.pending[1:]
	c.unacked++

	// Consume the readiness byte backing this event. The fd is in
	// non-blocking mode once the monitor is installed.
	var buf [1]byte

	_, err := unix.Read(int(c.eventR.Fd()), buf[:])
	if err != nil && err != unix.EAGAIN {
		return nil, err
	}

	atomic.AddInt64(&b.metrics.EventsRead, 1)

	return &ev, nil
}

func (b *SimulatedBackend) AckAsyncEvent(ev *AsyncEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	atomic.AddInt64(&b.metrics.EventsAcked, 1)

	for _, c := range b.contexts {
		if c.unacked > 0 {
			c.unacked--
			break
		}
	}
}

func (b *SimulatedBackend) DoorbellFD(ctx DeviceContext) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return -1, ErrInvalidHandle
	}

	if c.doorbell == nil {
		return -1, ErrNoDoorbell
	}

	return int(c.doorbell.Fd()), nil
}

// FailQueueStartAfter arms a failpoint: the next n StartQueue calls succeed
// and the one after fails once.
func (b *SimulatedBackend) FailQueueStartAfter(n int32) {
	b.failQueueStartAfter.Store(n)
}

// FailQueueCreate makes every CreateQueue call fail until cleared.
func (b *SimulatedBackend) FailQueueCreate(fail bool) {
	b.failQueueCreate.Store(fail)
}

// FailRegMR makes every RegMR call fail until cleared.
func (b *SimulatedBackend) FailRegMR(fail bool) {
	b.failRegMR.Store(fail)
}

// ActiveMRs returns the number of currently registered memory regions.
func (b *SimulatedBackend) ActiveMRs() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.mrs)
}

// ActiveQueues returns the number of hardware queues not yet destroyed.
func (b *SimulatedBackend) ActiveQueues() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.queues)
}

// StartedQueues returns the number of hardware queues in the started state.
func (b *SimulatedBackend) StartedQueues() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0

	for _, q := range b.queues {
		if q.state == simQueueStarted {
			n++
		}
	}

	return n
}

// Metrics returns operation counters.
func (b *SimulatedBackend) Metrics() map[string]int64 {
	return map[string]int64{
		"devices_opened": atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":    atomic.LoadInt64(&b.metrics.PDsCreated),
		"mrs_registered": atomic.LoadInt64(&b.metrics.MRsRegistered),
		"mrs_freed":      atomic.LoadInt64(&b.metrics.MRsFreed),
		"queues_created": atomic.LoadInt64(&b.metrics.QueuesCreated),
		"queues_started": atomic.LoadInt64(&b.metrics.QueuesStarted),
		"queues_stopped": atomic.LoadInt64(&b.metrics.QueuesStopped),
		"events_read":    atomic.LoadInt64(&b.metrics.EventsRead),
		"events_acked":   atomic.LoadInt64(&b.metrics.EventsAcked),
	}
}

// Package device implements the control-plane lifecycle for one adapter
// port: probe, configure, queue setup, start/stop, and close, plus the
// multi-process split where a primary process owns the hardware and
// secondary processes borrow its resources over the message channel.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/manapmd/internal/hal"
	"github.com/piwi3910/manapmd/internal/intr"
	"github.com/piwi3910/manapmd/internal/metrics"
	"github.com/piwi3910/manapmd/internal/mp"
	"github.com/piwi3910/manapmd/internal/mrcache"
	"github.com/piwi3910/manapmd/internal/queue"
	"github.com/piwi3910/manapmd/pkg/drverrors"
)

// DeviceCacheEntries is the capacity of the device-level registration cache
// created at start. It backs every queue's cache on miss, so it is larger
// than the per-queue caches.
const DeviceCacheEntries = 1024

const doorbellPageSize = 4096

var (
	ErrNotConfigured = errors.New("device not configured")
	ErrNotStarted    = errors.New("device not started")
	ErrStillStarted  = errors.New("device must be stopped before close")
	ErrClosed        = errors.New("device closed")
	ErrBurstDisabled = errors.New("fast path not enabled")
	ErrPrimaryOnly   = errors.New("operation restricted to the primary process")
)

// State is the device lifecycle state.
type State int

const (
	StateProbed State = iota + 1
	StateConfigured
	StateStarted
	StateStopped
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateProbed:
		return "probed"
	case StateConfigured:
		return "configured"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Info is the static device description reported to applications.
type Info struct {
	Name           string
	FirmwareVer    string
	MaxQueues      int
	MaxDescriptors uint32
	MaxSGE         int
	NumaNode       int

	// LinkUp is always true while the device is probed: the adapter has no
	// link-state query, so the port reports up until a fatal event removes
	// the device.
	LinkUp bool
}

// RemovalHandler is invoked once when a fatal hardware event removes the
// device. Called from the monitor goroutine.
type RemovalHandler func(deviceName string)

// Config selects the device and the process-coordination endpoints.
type Config struct {
	DeviceName string
	Backend    hal.Backend

	// Segment locates the shared attachment-count segment.
	Segment mp.Options

	// SocketPath is the resource message channel endpoint. The primary
	// listens here; secondaries dial it.
	SocketPath string

	// CacheEntries overrides the per-queue registration cache capacity.
	CacheEntries int
}

// Device is one attachment to an adapter port. In the primary process it
// owns the hardware objects; in a secondary it holds only the borrowed
// doorbell mapping and mirrors the primary's fast-path state.
type Device struct {
	cfg  Config
	role mp.Role

	backend hal.Backend
	ps      *mp.ProcessState
	ctx     hal.DeviceContext
	pd      hal.PD
	attr    *hal.DeviceAttr

	queues  *queue.Manager
	mrCache *mrcache.LockedCache
	mon     *intr.Monitor

	listener *mp.Listener
	peer     *mp.Peer
	doorbell []byte

	mu        sync.Mutex
	state     State
	burstOn   atomic.Bool
	onRemoval RemovalHandler
	watchDone chan struct{}
}

// Probe opens the device in the primary process: device context, protection
// domain, interrupt monitor, shared segment, and the message channel
// listener, in that order. Any failure releases everything acquired so far
// in reverse order before returning.
func Probe(cfg Config) (*Device, error) {
	d := &Device{cfg: cfg, role: mp.RolePrimary, backend: cfg.Backend, state: StateProbed}

	var undo []func()

	fail := func(err error) (*Device, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}

		return nil, err
	}

	if err := d.backend.Init(); err != nil {
		return fail(fmt.Errorf("initialize hardware layer: %w", err))
	}

	ps, err := mp.Attach(mp.RolePrimary, cfg.Segment)
	if err != nil {
		return fail(fmt.Errorf("attach shared segment: %w", err))
	}

	d.ps = ps
	undo = append(undo, ps.Detach)

	ctx, err := d.backend.OpenDevice(cfg.DeviceName)
	if err != nil {
		return fail(fmt.Errorf("open device %s: %w", cfg.DeviceName, err))
	}

	d.ctx = ctx
	undo = append(undo, func() { _ = d.backend.CloseDevice(ctx) })

	attr, err := d.backend.QueryDevice(ctx)
	if err != nil {
		return fail(fmt.Errorf("query device %s: %w", cfg.DeviceName, err))
	}

	d.attr = attr

	pd, err := d.backend.AllocPD(ctx)
	if err != nil {
		return fail(fmt.Errorf("allocate protection domain: %w", err))
	}

	d.pd = pd
	undo = append(undo, func() { _ = d.backend.DeallocPD(pd) })

	mon, err := intr.Install(d.backend, ctx, cfg.DeviceName)
	if err != nil {
		return fail(fmt.Errorf("install interrupt monitor: %w", err))
	}

	d.mon = mon
	undo = append(undo, mon.Uninstall)

	if err := ps.InitOnce(func() error {
		log.Info().Str("device", cfg.DeviceName).Msg("first attachment, shared state initialized")
		return nil
	}); err != nil {
		return fail(err)
	}

	if cfg.SocketPath != "" {
		ln, err := mp.Listen(cfg.SocketPath, d.serveRequest)
		if err != nil {
			return fail(fmt.Errorf("start resource channel: %w", err))
		}

		d.listener = ln
		undo = append(undo, ln.Close)
	}

	d.queues = queue.NewManager(d.backend, pd, attr)
	d.queues.SetCacheEntries(cfg.CacheEntries)
	d.watchDone = make(chan struct{})

	go d.watchRemoval()

	ps.DeviceAttached()

	log.Info().
		Str("device", cfg.DeviceName).
		Str("fw", attr.FWVer).
		Int("max_queues", attr.MaxQueues).
		Msg("device probed")

	return d, nil
}

// AttachSecondary joins an already-probed device from a secondary process:
// it attaches to the shared segment, dials the primary's channel, obtains
// the doorbell descriptor, maps the doorbell page, and mirrors the
// primary's fast-path state.
func AttachSecondary(cfg Config) (*Device, error) {
	d := &Device{cfg: cfg, role: mp.RoleSecondary, backend: cfg.Backend, state: StateProbed}

	ps, err := mp.Attach(mp.RoleSecondary, cfg.Segment)
	if err != nil {
		return nil, err
	}

	d.ps = ps

	peer, err := mp.Dial(cfg.SocketPath, d.handlePush)
	if err != nil {
		ps.Detach()
		return nil, err
	}

	d.peer = peer

	cleanup := func() {
		peer.Close()
		ps.Detach()
	}

	_, fd, err := peer.Request(mp.MsgVerbsCmdFd, []byte(cfg.DeviceName))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("request doorbell descriptor: %w", err)
	}

	if fd < 0 {
		cleanup()
		return nil, drverrors.ErrMalformedResponse.WithMessage("primary sent no doorbell descriptor")
	}

	db, err := unix.Mmap(fd, 0, doorbellPageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	// The mapping keeps its own reference to the file.
	_ = unix.Close(fd)

	if err != nil {
		cleanup()
		return nil, fmt.Errorf("map doorbell page: %w", err)
	}

	d.doorbell = db

	state, _, err := peer.Request(mp.MsgRxTxState, nil)
	if err != nil {
		_ = unix.Munmap(db)
		cleanup()

		return nil, fmt.Errorf("sync fast-path state: %w", err)
	}

	d.burstOn.Store(len(state) == 1 && state[0] == 1)

	ps.DeviceAttached()

	log.Info().Str("device", cfg.DeviceName).Bool("fast_path", d.burstOn.Load()).
		Msg("secondary attached to device")

	return d, nil
}

// serveRequest handles channel requests arriving at the primary.
func (d *Device) serveRequest(kind mp.MsgKind, payload []byte) ([]byte, int, error) {
	switch kind {
	case mp.MsgVerbsCmdFd:
		fd, err := d.backend.DoorbellFD(d.ctx)
		if err != nil {
			return nil, -1, err
		}

		return nil, fd, nil

	case mp.MsgRxTxState:
		b := byte(0)
		if d.burstOn.Load() {
			b = 1
		}

		return []byte{b}, -1, nil

	default:
		return nil, -1, fmt.Errorf("unsupported request %s", kind)
	}
}

// handlePush handles fast-path state changes pushed by the primary to a
// secondary.
func (d *Device) handlePush(kind mp.MsgKind, payload []byte) ([]byte, int, error) {
	switch kind {
	case mp.MsgStartRxTx:
		d.burstOn.Store(true)
		log.Info().Str("device", d.cfg.DeviceName).Msg("fast path enabled by primary")

		return nil, -1, nil

	case mp.MsgStopRxTx:
		d.burstOn.Store(false)
		log.Info().Str("device", d.cfg.DeviceName).Msg("fast path disabled by primary")

		return nil, -1, nil

	default:
		return nil, -1, fmt.Errorf("unsupported push %s", kind)
	}
}

func (d *Device) watchRemoval() {
	defer close(d.watchDone)

	ev, ok := <-d.mon.Events()
	if !ok {
		return
	}

	d.mu.Lock()
	h := d.onRemoval
	d.mu.Unlock()

	if h != nil {
		h(ev.Device)
	}
}

// OnRemoval registers the handler called when a fatal hardware event
// removes the device.
func (d *Device) OnRemoval(h RemovalHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.onRemoval = h
}

// Configure validates and applies the queue layout. The transmit and
// receive queue counts must be equal, a power of two, and within the
// device limit; an invalid layout is rejected before any resource is
// touched.
func (d *Device) Configure(nRx, nTx int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.role != mp.RolePrimary {
		return ErrPrimaryOnly
	}

	if d.state == StateClosed {
		return ErrClosed
	}

	if d.state == StateStarted {
		return ErrStillStarted
	}

	if nRx != nTx {
		return drverrors.ErrUnequalQueueCounts.WithMessage(
			fmt.Sprintf("rx %d vs tx %d", nRx, nTx))
	}

	if nRx <= 0 || nRx&(nRx-1) != 0 {
		return drverrors.ErrQueueCountNotPowerOfTwo.WithMessage(
			fmt.Sprintf("%d queues requested", nRx))
	}

	if nRx > d.attr.MaxQueues {
		return drverrors.ErrInvalidDescriptorCount.WithMessage(
			fmt.Sprintf("%d queues exceed device limit %d", nRx, d.attr.MaxQueues))
	}

	d.queues.SetQueueCount(nRx)
	d.state = StateConfigured

	log.Info().Str("device", d.cfg.DeviceName).Int("queues", nRx).Msg("device configured")

	return nil
}

// Queues returns the queue manager for setup calls.
func (d *Device) Queues() *queue.Manager {
	return d.queues
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// Start brings the device up: the device-level registration cache is
// created first, transmit queues start before receive queues, and only
// after everything is up does the fast path become visible. A start
// failure leaves the device exactly as it was before the call.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.role != mp.RolePrimary {
		return ErrPrimaryOnly
	}

	switch d.state {
	case StateConfigured, StateStopped:
	case StateStarted:
		return nil
	default:
		return ErrNotConfigured
	}

	if d.mrCache == nil {
		c, err := mrcache.NewLocked(DeviceCacheEntries, "device", d.releaseMR)
		if err != nil {
			return drverrors.ErrNoMemory.WithCause(err)
		}

		d.mrCache = c
	}

	if err := d.queues.StartAll(); err != nil {
		// The cache was created for this start attempt; give it back so a
		// failed start leaves no residue.
		d.mrCache.Clear()
		d.mrCache = nil

		return err
	}

	// Hardware state is fully established before the fast path can
	// observe it.
	d.burstOn.Store(true)
	d.state = StateStarted

	if d.listener != nil {
		if err := d.listener.Broadcast(ctx, mp.MsgStartRxTx); err != nil {
			log.Warn().Err(err).Msg("fast-path enable broadcast incomplete")
		}
	}

	log.Info().Str("device", d.cfg.DeviceName).Msg("device started")

	return nil
}

// Stop quiesces the device: the fast path is disabled everywhere first,
// then the hardware queues stop. Queue setup and registrations survive a
// stop; Start brings the device back without reconfiguration.
func (d *Device) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.role != mp.RolePrimary {
		return ErrPrimaryOnly
	}

	if d.state != StateStarted {
		return nil
	}

	d.burstOn.Store(false)

	if d.listener != nil {
		if err := d.listener.Broadcast(ctx, mp.MsgStopRxTx); err != nil {
			log.Warn().Err(err).Msg("fast-path disable broadcast incomplete")
		}
	}

	if err := d.queues.StopAll(); err != nil {
		return err
	}

	d.state = StateStopped

	log.Info().Str("device", d.cfg.DeviceName).Msg("device stopped")

	return nil
}

// Close releases everything the device holds. The device must be stopped.
// After close every registration on the device is gone, so close requires
// that no other process is still using them: the caller quiesces
// secondaries first.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateClosed {
		return nil
	}

	if d.state == StateStarted {
		return ErrStillStarted
	}

	if d.role == mp.RoleSecondary {
		return d.closeSecondary()
	}

	if d.mrCache != nil {
		d.mrCache.Clear()
		d.mrCache = nil
	}

	if err := d.queues.ReleaseAll(); err != nil {
		return err
	}

	if d.listener != nil {
		d.listener.Close()
		d.listener = nil
	}

	d.mon.Uninstall()
	<-d.watchDone

	if err := d.backend.DeallocPD(d.pd); err != nil {
		log.Warn().Err(err).Msg("failed to release protection domain")
	}

	if err := d.backend.CloseDevice(d.ctx); err != nil {
		log.Warn().Err(err).Msg("failed to close device context")
	}

	d.ps.DeviceDetached()
	d.ps.Detach()
	d.state = StateClosed

	log.Info().Str("device", d.cfg.DeviceName).Msg("device closed")

	return nil
}

func (d *Device) closeSecondary() error {
	if d.doorbell != nil {
		_ = unix.Munmap(d.doorbell)
		d.doorbell = nil
	}

	if d.peer != nil {
		d.peer.Close()
		d.peer = nil
	}

	d.ps.DeviceDetached()
	d.ps.Detach()
	d.state = StateClosed

	return nil
}

func (d *Device) releaseMR(start, end uintptr, reg mrcache.Registration) {
	// Queue caches hold lookup references to this registration. They are
	// revoked before the handle dies so no queue can post a stale key.
	d.queues.InvalidateRegistration(start)

	if err := d.backend.DeregMR(reg.Handle); err != nil {
		log.Warn().Err(err).Uint64("handle", uint64(reg.Handle)).
			Msg("failed to deregister memory region")
		return
	}

	metrics.MRDeregistrations.Inc()
}

// Info reports the device description.
func (d *Device) Info() Info {
	return Info{
		Name:           d.attr.Name,
		FirmwareVer:    d.attr.FWVer,
		MaxQueues:      d.attr.MaxQueues,
		MaxDescriptors: d.attr.MaxDescriptors,
		MaxSGE:         d.attr.MaxSGE,
		NumaNode:       d.attr.NumaNode,
		LinkUp:         true,
	}
}

// BurstEnabled reports whether the fast-path entry points are live. The
// flag flips only after hardware state is consistent on start, and before
// teardown begins on stop.
func (d *Device) BurstEnabled() bool {
	return d.burstOn.Load()
}

// Doorbell returns the mapped doorbell page in a secondary process.
func (d *Device) Doorbell() []byte {
	return d.doorbell
}

// TxBurst posts descriptors on the transmit queue at idx, resolving each
// buffer's registration through the cache hierarchy. Returns the number
// posted; posting stops at the first full-ring condition.
func (d *Device) TxBurst(idx int, descs []queue.Desc) (int, error) {
	if !d.burstOn.Load() {
		return 0, ErrBurstDisabled
	}

	// A secondary mirrors the fast-path flag but owns no queue state.
	if d.queues == nil {
		return 0, ErrPrimaryOnly
	}

	q := d.queues.TxQueue(idx)
	if q == nil {
		return 0, queue.ErrNotSetUp
	}

	n := 0

	for i := range descs {
		reg, err := d.findMR(q, descs[i].BufAddr, int(descs[i].BufLen))
		if err != nil {
			return n, err
		}

		descs[i].LKey = reg.LKey

		if err := q.Post(descs[i]); err != nil {
			break
		}

		n++
	}

	return n, nil
}

// RxBurst reaps up to len(out) completed descriptors from the receive
// queue at idx.
func (d *Device) RxBurst(idx int, out []queue.Desc) (int, error) {
	if !d.burstOn.Load() {
		return 0, ErrBurstDisabled
	}

	if d.queues == nil {
		return 0, ErrPrimaryOnly
	}

	q := d.queues.RxQueue(idx)
	if q == nil {
		return 0, queue.ErrNotSetUp
	}

	n := 0

	for n < len(out) {
		desc, err := q.Reap()
		if err != nil {
			break
		}

		out[n] = desc
		n++
	}

	return n, nil
}

// findMR resolves the registration covering [addr, addr+length): queue
// cache first, then the device cache, registering with the hardware only
// when both miss. A fresh registration lands in both caches so the next
// queue hitting the same range skips the device lock; when the device
// cache later gives the registration up, the queue references go with it.
func (d *Device) findMR(q *queue.Queue, addr uintptr, length int) (mrcache.Registration, error) {
	if reg, ok := q.Cache().Resolve(addr); ok {
		return reg, nil
	}

	if d.mrCache != nil {
		if reg, ok := d.mrCache.Resolve(addr); ok {
			_ = q.Cache().Insert(addr, addr+uintptr(length), reg)
			return reg, nil
		}
	}

	mr, err := d.backend.RegMR(d.pd, addr, length)
	if err != nil {
		return mrcache.Registration{}, drverrors.ErrNoMemory.WithCause(err)
	}

	metrics.MRRegistrations.Inc()

	reg := mrcache.Registration{Handle: mr.Handle, LKey: mr.LKey}
	end := addr + uintptr(length)

	if d.mrCache != nil {
		if err := d.mrCache.Insert(addr, end, reg); err != nil {
			log.Debug().Err(err).Msg("device cache insert skipped")
		}
	}

	if err := q.Cache().Insert(addr, end, reg); err != nil {
		log.Debug().Err(err).Msg("queue cache insert skipped")
	}

	return reg, nil
}

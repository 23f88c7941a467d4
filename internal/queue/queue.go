// Package queue owns the driver's queue resources: descriptor rings,
// per-queue registration caches, and the setup/start/stop/release state
// machine. Transmit queues are always started before receive queues, and a
// failure to start the receive side rolls the transmit side back so the
// device never stays half-started.
package queue

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/manapmd/internal/hal"
	"github.com/piwi3910/manapmd/internal/metrics"
	"github.com/piwi3910/manapmd/internal/mrcache"
	"github.com/piwi3910/manapmd/pkg/drverrors"
)

// MinDescriptors is the smallest ring size the hardware accepts.
const MinDescriptors = 64

// DefaultCacheEntries is the per-queue registration cache capacity.
const DefaultCacheEntries = 64

var (
	ErrQueueIndex   = errors.New("queue index out of range")
	ErrQueueExists  = errors.New("queue already set up at this index")
	ErrQueueStarted = errors.New("operation invalid while queue is started")
	ErrNotSetUp     = errors.New("no queue set up at this index")
)

// State is the queue lifecycle state.
type State uint32

const (
	StateUninitialized State = iota
	StateSetup
	StateStarted
	StateStopped
	StateReleased
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSetup:
		return "setup"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// BufferPool supplies receive buffers for one queue. Pools may differ per
// queue, which is why each queue carries its own registration cache.
type BufferPool interface {
	Get() []byte
	Put([]byte)
}

// Queue is one transmit or receive queue: descriptor ring, registration
// cache, and the hardware queue handle while started.
type Queue struct {
	idx    int
	dir    hal.QueueDirection
	socket int
	depth  uint32
	ring   *ring
	cache  *mrcache.Cache
	pool   BufferPool
	hw     hal.QueueHandle
	state  State
}

// Index returns the queue's index within its direction.
func (q *Queue) Index() int { return q.idx }

// Direction returns whether this is a transmit or receive queue.
func (q *Queue) Direction() hal.QueueDirection { return q.dir }

// State returns the current lifecycle state.
func (q *Queue) State() State { return q.state }

// Depth returns the descriptor count fixed at setup.
func (q *Queue) Depth() uint32 { return q.depth }

// Cache returns the queue's registration cache. Single-writer: only the
// fast-path thread owning this queue may call into it.
func (q *Queue) Cache() *mrcache.Cache { return q.cache }

// Pool returns the receive buffer pool, nil for transmit queues.
func (q *Queue) Pool() BufferPool { return q.pool }

// CacheLen returns the number of resident registration cache entries.
func (q *Queue) CacheLen() int {
	if q.cache == nil {
		return 0
	}

	return q.cache.Len()
}

// RingAllocated reports whether ring memory is still held.
func (q *Queue) RingAllocated() bool {
	return q.ring != nil && q.ring.descs != nil
}

// Post places a descriptor on the queue's ring. Fast-path helper.
func (q *Queue) Post(d Desc) error {
	return q.ring.push(d)
}

// Reap takes the oldest in-flight descriptor off the ring.
func (q *Queue) Reap() (Desc, error) {
	return q.ring.pop()
}

func (q *Queue) setState(s State) {
	q.state = s
	metrics.RecordQueueTransition(q.dir.String(), s.String())
}

// Manager drives queue resource lifecycle for one device attachment.
type Manager struct {
	backend      hal.Backend
	pd           hal.PD
	attr         *hal.DeviceAttr
	cacheEntries int
	rx           []*Queue
	tx           []*Queue
}

// NewManager creates a queue manager over an opened device.
func NewManager(backend hal.Backend, pd hal.PD, attr *hal.DeviceAttr) *Manager {
	return &Manager{
		backend:      backend,
		pd:           pd,
		attr:         attr,
		cacheEntries: DefaultCacheEntries,
	}
}

// SetCacheEntries overrides the per-queue registration cache capacity for
// queues set up after the call.
func (m *Manager) SetCacheEntries(n int) {
	if n > 0 {
		m.cacheEntries = n
	}
}

// SetQueueCount sizes the queue tables. Called at configure time, after the
// count has been validated by the lifecycle controller.
func (m *Manager) SetQueueCount(n int) {
	m.rx = make([]*Queue, n)
	m.tx = make([]*Queue, n)
}

// QueueCount returns the configured queue count per direction.
func (m *Manager) QueueCount() int {
	return len(m.rx)
}

// TxQueue returns the transmit queue at idx, or nil.
func (m *Manager) TxQueue(idx int) *Queue {
	if idx < 0 || idx >= len(m.tx) {
		return nil
	}

	return m.tx[idx]
}

// RxQueue returns the receive queue at idx, or nil.
func (m *Manager) RxQueue(idx int) *Queue {
	if idx < 0 || idx >= len(m.rx) {
		return nil
	}

	return m.rx[idx]
}

// InvalidateRegistration drops the cached reference covering addr from
// every queue cache. The owning device-level cache calls this before it
// deregisters a handle, so no queue can resolve the dead handle afterwards.
func (m *Manager) InvalidateRegistration(addr uintptr) {
	for _, q := range m.tx {
		if q != nil && q.cache != nil {
			q.cache.Remove(addr)
		}
	}

	for _, q := range m.rx {
		if q != nil && q.cache != nil {
			q.cache.Remove(addr)
		}
	}
}

// SetupTx allocates a transmit queue: descriptor ring plus a fresh
// registration cache. No resource is leaked on any failure path.
func (m *Manager) SetupTx(idx int, descCount uint32, socket int) (*Queue, error) {
	return m.setup(m.tx, idx, hal.QueueSend, descCount, socket, nil)
}

// SetupRx allocates a receive queue backed by the given buffer pool.
func (m *Manager) SetupRx(idx int, descCount uint32, socket int, pool BufferPool) (*Queue, error) {
	return m.setup(m.rx, idx, hal.QueueRecv, descCount, socket, pool)
}

func (m *Manager) setup(table []*Queue, idx int, dir hal.QueueDirection,
	descCount uint32, socket int, pool BufferPool) (*Queue, error) {
	if idx < 0 || idx >= len(table) {
		return nil, ErrQueueIndex
	}

	if table[idx] != nil {
		return nil, ErrQueueExists
	}

	if descCount < MinDescriptors || descCount > m.attr.MaxDescriptors {
		return nil, drverrors.ErrInvalidDescriptorCount.WithMessage(
			fmt.Sprintf("descriptor count %d outside [%d, %d]",
				descCount, MinDescriptors, m.attr.MaxDescriptors))
	}

	q := &Queue{
		idx:    idx,
		dir:    dir,
		socket: socket,
		depth:  descCount,
		ring:   newRing(descCount),
		pool:   pool,
	}

	// Per-queue caches are lookup references only. The device-level cache
	// owns the hardware registrations and deregisters them; releasing a
	// queue just drops its references.
	cache, err := mrcache.New(m.cacheEntries, dir.String(), nil)
	if err != nil {
		// Ring allocation succeeded; give it back before surfacing the
		// cache failure.
		q.ring.release()

		return nil, drverrors.ErrNoMemory.WithCause(err)
	}

	q.cache = cache
	q.setState(StateSetup)
	table[idx] = q

	log.Debug().
		Int("idx", idx).
		Str("direction", dir.String()).
		Uint32("descriptors", descCount).
		Int("socket", socket).
		Msg("queue set up")

	return q, nil
}

// StartAll starts transmit queues before receive queues. If the receive side
// fails after the transmit side started, the transmit queues are stopped
// again before the error is surfaced: retrying from a clean state is always
// safe.
func (m *Manager) StartAll() error {
	var started []*Queue

	rollback := func() {
		for i := len(started) - 1; i >= 0; i-- {
			m.stopQueue(started[i])
		}
	}

	for _, q := range m.tx {
		if err := m.startQueue(q); err != nil {
			rollback()
			return fmt.Errorf("failed to start tx queue %d: %w", q.idx, err)
		}

		started = append(started, q)
	}

	for _, q := range m.rx {
		if err := m.startQueue(q); err != nil {
			rollback()
			return fmt.Errorf("failed to start rx queue %d: %w", q.idx, err)
		}

		started = append(started, q)
	}

	return nil
}

// StopAll stops transmit queues, then receive queues. The caller must have
// disabled the fast-path entry points before tearing down hardware state.
func (m *Manager) StopAll() error {
	for _, q := range m.tx {
		if q != nil && q.state == StateStarted {
			m.stopQueue(q)
		}
	}

	for _, q := range m.rx {
		if q != nil && q.state == StateStarted {
			m.stopQueue(q)
		}
	}

	return nil
}

func (m *Manager) startQueue(q *Queue) error {
	if q == nil {
		return ErrNotSetUp
	}

	if q.state != StateSetup && q.state != StateStopped {
		return fmt.Errorf("queue %d in state %s cannot start", q.idx, q.state)
	}

	hw, err := m.backend.CreateQueue(m.pd, q.dir, q.depth)
	if err != nil {
		return drverrors.ErrHardware.WithCause(err)
	}

	if err := m.backend.StartQueue(hw); err != nil {
		if derr := m.backend.DestroyQueue(hw); derr != nil {
			log.Warn().Err(derr).Msg("failed to destroy queue after start failure")
		}

		return drverrors.ErrHardware.WithCause(err)
	}

	q.hw = hw
	q.setState(StateStarted)

	return nil
}

func (m *Manager) stopQueue(q *Queue) {
	if err := m.backend.StopQueue(q.hw); err != nil {
		log.Warn().Err(err).Int("idx", q.idx).Msg("failed to stop hardware queue")
	}

	if err := m.backend.DestroyQueue(q.hw); err != nil {
		log.Warn().Err(err).Int("idx", q.idx).Msg("failed to destroy hardware queue")
	}

	q.hw = 0
	q.setState(StateStopped)
}

// ReleaseTx releases the transmit queue at idx.
func (m *Manager) ReleaseTx(idx int) error {
	return m.release(m.tx, idx)
}

// ReleaseRx releases the receive queue at idx.
func (m *Manager) ReleaseRx(idx int) error {
	return m.release(m.rx, idx)
}

func (m *Manager) release(table []*Queue, idx int) error {
	if idx < 0 || idx >= len(table) {
		return ErrQueueIndex
	}

	q := table[idx]
	if q == nil {
		return ErrNotSetUp
	}

	if q.state == StateStarted {
		return ErrQueueStarted
	}

	q.cache.Clear()
	q.ring.release()
	q.setState(StateReleased)
	table[idx] = nil

	return nil
}

// ReleaseAll releases every remaining queue. Used at device close.
func (m *Manager) ReleaseAll() error {
	for i := range m.tx {
		if m.tx[i] != nil {
			if err := m.release(m.tx, i); err != nil {
				return err
			}
		}
	}

	for i := range m.rx {
		if m.rx[i] != nil {
			if err := m.release(m.rx, i); err != nil {
				return err
			}
		}
	}

	return nil
}

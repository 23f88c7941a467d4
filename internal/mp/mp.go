package mp

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/manapmd/internal/metrics"
)

// Role distinguishes the process that owns the hardware from processes that
// borrow its resources.
type Role int

const (
	// RolePrimary owns the device: it creates the shared segment and serves
	// the resource message channel.
	RolePrimary Role = iota + 1

	// RoleSecondary attaches to an existing segment and obtains privileged
	// resources through the channel.
	RoleSecondary
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// DefaultSegmentName is the well-known shared segment name all processes
// attached to the driver agree on.
const DefaultSegmentName = "mana_shared_data"

// Options selects where the shared segment lives. The zero value uses
// /dev/shm (or the temp dir) and the default name.
type Options struct {
	Dir  string
	Name string
}

func (o Options) name() string {
	if o.Name != "" {
		return o.Name
	}

	return DefaultSegmentName
}

// ProcessState is a process's attachment to the shared segment. Multiple
// device probes in one process share a single attachment; the segment is
// unmapped when the last one detaches.
type ProcessState struct {
	role Role
	seg  *Segment
	key  string
	refs int

	// localInit mirrors the shared init-done flag for this process, so a
	// process that attaches after another already initialized still runs
	// its own per-process setup exactly once. Guarded by procMu.
	localInit bool
}

var (
	procMu     sync.Mutex
	procStates = make(map[string]*ProcessState)
)

// Attach joins the shared segment, creating it when role is primary. Calls
// are reference counted per process and segment: the second probe in the
// same process reuses the first attachment.
func Attach(role Role, opts Options) (*ProcessState, error) {
	// Keyed by path and role: a process may hold a primary and a
	// secondary attachment to the same segment independently.
	key := filepath.Join(segmentDir(opts.Dir), opts.name()) + "|" + role.String()

	procMu.Lock()
	defer procMu.Unlock()

	if ps, ok := procStates[key]; ok {
		ps.refs++

		return ps, nil
	}

	var (
		seg *Segment
		err error
	)

	switch role {
	case RolePrimary:
		seg, err = createSegment(opts.Dir, opts.name())
	case RoleSecondary:
		seg, err = openSegment(opts.Dir, opts.name())
	default:
		return nil, fmt.Errorf("unknown role %d", role)
	}

	if err != nil {
		return nil, err
	}

	ps := &ProcessState{role: role, seg: seg, key: key, refs: 1}
	procStates[key] = ps

	log.Info().Str("role", role.String()).Str("segment", key).
		Msg("attached to shared device segment")

	return ps, nil
}

// Role returns the attachment role.
func (p *ProcessState) Role() Role {
	return p.role
}

// Segment exposes the underlying shared segment.
func (p *ProcessState) Segment() *Segment {
	return p.seg
}

// InitOnce runs fn at most once across all attached processes, gated by the
// shared init-done flag under the segment lock. fn must be quick; the lock
// is held while it runs. A failed fn leaves the flag clear so a later
// attachment can retry.
func (p *ProcessState) InitOnce(fn func() error) error {
	p.seg.Lock()
	defer p.seg.Unlock()

	if !p.seg.Initialized() {
		if err := fn(); err != nil {
			return err
		}

		p.seg.SetInitialized()
	}

	procMu.Lock()
	p.localInit = true
	procMu.Unlock()

	return nil
}

// LocalInitDone reports whether this process has passed the init gate.
func (p *ProcessState) LocalInitDone() bool {
	procMu.Lock()
	defer procMu.Unlock()

	return p.localInit
}

// DeviceAttached records one device probe against the shared counts.
func (p *ProcessState) DeviceAttached() {
	if p.role == RolePrimary {
		p.seg.IncPrimary()
	} else {
		p.seg.IncSecondary()
	}

	metrics.AttachedProcesses.WithLabelValues(p.role.String()).Inc()
}

// DeviceDetached records one device close against the shared counts and
// returns the remaining count for this role.
func (p *ProcessState) DeviceDetached() uint32 {
	var n uint32

	if p.role == RolePrimary {
		n = p.seg.DecPrimary()
	} else {
		n = p.seg.DecSecondary()
	}

	metrics.AttachedProcesses.WithLabelValues(p.role.String()).Dec()

	return n
}

// Detach drops one process-local reference. The last reference unmaps the
// segment; the last primary detach also removes the backing file so the
// next primary starts with fresh state.
func (p *ProcessState) Detach() {
	procMu.Lock()
	defer procMu.Unlock()

	p.refs--
	if p.refs > 0 {
		return
	}

	remove := p.role == RolePrimary && p.seg.PrimaryCount() == 0
	p.seg.Close(remove)
	delete(procStates, p.key)

	log.Info().Str("role", p.role.String()).Str("segment", p.key).
		Bool("removed", remove).Msg("detached from shared device segment")
}

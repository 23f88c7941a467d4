// Package intr watches a device's asynchronous event descriptor and turns
// fatal hardware events into removal notifications. Non-fatal events are
// drained and acknowledged so the hardware never stalls waiting for an ack,
// but only a device-fatal event reaches the listener.
package intr

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/manapmd/internal/hal"
	"github.com/piwi3910/manapmd/internal/metrics"
)

// pollInterval bounds how long the drain goroutine blocks in poll before
// rechecking for shutdown.
const pollInterval = 100 * time.Millisecond

// Event is a device removal notification.
type Event struct {
	Device string
}

// Monitor owns the nonblocking async event descriptor for one open device.
type Monitor struct {
	backend hal.Backend
	ctx     hal.DeviceContext
	name    string
	fd      int
	oldFl   int

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	installed bool
}

// Install switches the device's async event descriptor to nonblocking mode
// and starts the drain goroutine. The descriptor's original flags are saved
// and restored at Uninstall, so the device sees its channel unchanged after
// the monitor is gone.
func Install(backend hal.Backend, ctx hal.DeviceContext, name string) (*Monitor, error) {
	fd, err := backend.AsyncFD(ctx)
	if err != nil {
		return nil, fmt.Errorf("async event descriptor: %w", err)
	}

	fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return nil, fmt.Errorf("read event descriptor flags: %w", err)
	}

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, fl|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("set event descriptor nonblocking: %w", err)
	}

	m := &Monitor{
		backend:   backend,
		ctx:       ctx,
		name:      name,
		fd:        fd,
		oldFl:     fl,
		events:    make(chan Event, 1),
		done:      make(chan struct{}),
		installed: true,
	}

	m.wg.Add(1)
	go m.drainLoop()

	log.Debug().Str("device", name).Int("fd", fd).Msg("interrupt monitor installed")

	return m, nil
}

// Events returns the removal notification channel. At most one notification
// is ever delivered per device.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

func (m *Monitor) drainLoop() {
	defer m.wg.Done()

	fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-m.done:
			return
		default:
		}

		n, err := unix.Poll(fds, int(pollInterval.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			log.Warn().Err(err).Str("device", m.name).Msg("event descriptor poll failed")

			return
		}

		if n == 0 {
			continue
		}

		m.drain()
	}
}

// drain consumes every queued event, acknowledging each one. A fatal event
// is remembered and reported once after the queue is empty.
func (m *Monitor) drain() {
	fatal := false

	for {
		ev, err := m.backend.GetAsyncEvent(m.ctx)
		if err != nil {
			if !errors.Is(err, hal.ErrNoEvent) {
				log.Warn().Err(err).Str("device", m.name).Msg("reading async event failed")
			}

			break
		}

		if ev.Kind == hal.EventDeviceFatal {
			fatal = true
		} else {
			log.Debug().Str("device", m.name).Int("kind", int(ev.Kind)).
				Msg("ignoring non-fatal async event")
		}

		m.backend.AckAsyncEvent(ev)
	}

	if fatal {
		metrics.RemovalEvents.Inc()
		log.Error().Str("device", m.name).Msg("fatal hardware event, device removed")

		select {
		case m.events <- Event{Device: m.name}:
		default:
		}
	}
}

// Uninstall stops the drain goroutine and restores the descriptor's
// original flags. Safe to call more than once and on a nil monitor.
func (m *Monitor) Uninstall() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.installed {
		return
	}

	m.installed = false

	close(m.done)
	m.wg.Wait()
	close(m.events)

	if _, err := unix.FcntlInt(uintptr(m.fd), unix.F_SETFL, m.oldFl); err != nil {
		log.Warn().Err(err).Str("device", m.name).Msg("restoring event descriptor flags failed")
	}

	log.Debug().Str("device", m.name).Msg("interrupt monitor uninstalled")
}

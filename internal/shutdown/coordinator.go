// Package shutdown provides graceful teardown coordination for the driver
// daemon.
//
// The coordinator runs a phased teardown sequence mirroring the reverse of
// device bring-up:
//
//  1. Quiesce - Disable the fast path locally and in every secondary
//  2. Queues - Stop and destroy hardware queues
//  3. Interrupts - Uninstall the async event monitor
//  4. Hardware - Release registrations, protection domain, device context
//  5. Shared - Detach from the shared process segment
//
// Each phase runs its registered hooks under a per-phase timeout; a hook
// that overruns is abandoned, recorded as an error, and teardown moves on.
// The total sequence is bounded so a stuck device cannot hang the process.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a teardown phase.
type Phase string

// Teardown phases in order of execution.
const (
	PhaseNone       Phase = "none"
	PhaseQuiesce    Phase = "quiesce"
	PhaseQueues     Phase = "queues"
	PhaseInterrupts Phase = "interrupts"
	PhaseHardware   Phase = "hardware"
	PhaseShared     Phase = "shared"
	PhaseComplete   Phase = "complete"
	PhaseForced     Phase = "forced"
)

var phaseOrder = []Phase{
	PhaseQuiesce,
	PhaseQueues,
	PhaseInterrupts,
	PhaseHardware,
	PhaseShared,
}

// Config holds teardown timing configuration.
type Config struct {
	// TotalTimeout bounds the entire teardown sequence.
	// Default: 30 seconds
	TotalTimeout time.Duration

	// PhaseTimeout bounds each individual phase.
	// Default: 10 seconds
	PhaseTimeout time.Duration
}

// DefaultConfig returns the default teardown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout: 30 * time.Second,
		PhaseTimeout: 10 * time.Second,
	}
}

// Hook is a function called during its registered teardown phase.
type Hook func(ctx context.Context) error

// Coordinator manages the phased teardown of the driver daemon.
type Coordinator struct {
	config  Config
	mu      sync.RWMutex
	phase   Phase
	started time.Time
	errs    []error
	hooks   map[Phase][]Hook
	doneCh  chan struct{}
	running atomic.Bool
}

// NewCoordinator creates a teardown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = DefaultConfig().TotalTimeout
	}

	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultConfig().PhaseTimeout
	}

	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]Hook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a hook for a teardown phase. Hooks within a phase
// run in registration order.
func (c *Coordinator) RegisterHook(phase Phase, hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current teardown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown reports whether teardown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.running.Load()
}

// Done returns a channel closed when teardown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns the errors recorded during teardown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errs...)
}

// Shutdown runs the teardown sequence. Only the first call does anything;
// later calls wait for the first to finish and return its first error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		<-c.doneCh
		return c.firstError()
	}

	c.mu.Lock()
	c.started = time.Now()
	c.mu.Unlock()

	markStarted()

	ctx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	for _, phase := range phaseOrder {
		if ctx.Err() != nil {
			c.setPhase(PhaseForced)
			c.addError(fmt.Errorf("teardown overran at phase %s: %w", phase, ctx.Err()))

			break
		}

		c.runPhase(ctx, phase)
	}

	if c.Phase() != PhaseForced {
		c.setPhase(PhaseComplete)
	}

	c.mu.Lock()
	elapsed := time.Since(c.started)
	c.mu.Unlock()

	recordDuration(elapsed)
	close(c.doneCh)

	log.Info().
		Dur("elapsed", elapsed).
		Int("errors", len(c.Errors())).
		Msg("Teardown complete")

	return c.firstError()
}

func (c *Coordinator) runPhase(ctx context.Context, phase Phase) {
	c.setPhase(phase)

	c.mu.RLock()
	hooks := append([]Hook{}, c.hooks[phase]...)
	c.mu.RUnlock()

	if len(hooks) == 0 {
		return
	}

	phaseCtx, cancel := context.WithTimeout(ctx, c.config.PhaseTimeout)
	defer cancel()

	for i, hook := range hooks {
		if err := c.runHook(phaseCtx, hook); err != nil {
			c.addError(fmt.Errorf("phase %s hook %d: %w", phase, i, err))
		}
	}
}

// runHook runs one hook, abandoning it if the phase deadline passes. An
// abandoned hook's goroutine is left to finish on its own.
func (c *Coordinator) runHook(ctx context.Context, hook Hook) error {
	done := make(chan error, 1)

	go func() {
		done <- hook(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	started := c.started
	c.mu.Unlock()

	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(started)).
		Msg("Teardown phase transition")

	setPhaseMetric(phase)
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()

	recordError()

	log.Warn().Err(err).Msg("Teardown error")
}

func (c *Coordinator) firstError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.errs) == 0 {
		return nil
	}

	return c.errs[0]
}

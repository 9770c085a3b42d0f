package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/OCAP2/markerpose/internal/lifecycle"
	"github.com/OCAP2/markerpose/internal/timeutil"
	"github.com/OCAP2/markerpose/pkg/core"
)

// Options configures a Base.
type Options struct {
	Kind      core.BackendKind
	Tracker   lifecycle.Config
	Scheduler Scheduler
	Clock     timeutil.Clock
	Logger    *slog.Logger
	// OnPermissionDenied is called on the main context when the driver
	// reports ErrPermissionDenied.
	OnPermissionDenied func(error)
}

// Base runs a Driver under the shared start/stop state machine and owns the
// backend's lifecycle tracker.
//
// Every start or stop bumps a generation counter. Completions and observation
// batches carry the generation they were issued under and are discarded when
// a newer start or stop has happened since.
type Base struct {
	kind     core.BackendKind
	driver   Driver
	sched    Scheduler
	tracker  *lifecycle.Tracker
	logger   *slog.Logger
	onDenied func(error)

	mu       sync.Mutex
	state    State
	gen      uint64
	denied   bool
	stopDone chan struct{}
}

// NewBase wraps driver. opts.Scheduler is required.
func NewBase(driver Driver, opts Options) *Base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("backend", string(opts.Kind))
	return &Base{
		kind:     opts.Kind,
		driver:   driver,
		sched:    opts.Scheduler,
		tracker:  lifecycle.NewTracker(opts.Tracker, opts.Clock, logger),
		logger:   logger,
		onDenied: opts.OnPermissionDenied,
	}
}

// Kind reports which detection source this is.
func (b *Base) Kind() core.BackendKind { return b.kind }

// Tracker exposes the lifecycle tracker for main-context consumers.
func (b *Base) Tracker() *lifecycle.Tracker { return b.tracker }

// Callbacks returns the lifecycle slots of a tracked marker.
func (b *Base) Callbacks(id int) (*lifecycle.Slots, error) {
	return b.tracker.Callbacks(id)
}

// Active lists the markers currently reported as present.
func (b *Base) Active() []int { return b.tracker.Active() }

// State returns the current tracking state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SupportedOnPlatform is false once permission was denied, or when the
// driver reports the platform unsupported.
func (b *Base) SupportedOnPlatform() bool {
	if b.State() == Denied {
		return false
	}
	if pc, ok := b.driver.(PlatformChecker); ok {
		return pc.SupportedOnPlatform()
	}
	return true
}

// StartTracking queues the driver's Acquire on the worker and returns.
func (b *Base) StartTracking() {
	b.mu.Lock()
	if b.denied {
		b.mu.Unlock()
		b.logger.Error("start tracking refused, permission was denied")
		return
	}
	switch b.state {
	case Starting, Running:
		b.mu.Unlock()
		b.logger.Warn("start tracking ignored, already started")
		return
	}
	b.gen++
	gen := b.gen
	b.state = Starting
	b.mu.Unlock()

	b.logger.Debug("starting tracking", "generation", gen)
	ok := b.sched.RunOnWorker(func(ctx context.Context) {
		err := b.driver.Acquire(ctx)
		b.sched.Post(func() { b.completeStart(gen, err) })
	})
	if !ok {
		b.completeStart(gen, errors.New("worker closed"))
	}
}

// completeStart applies the result of Acquire. A permission denial is
// recorded even when a later start or stop made the completion stale.
func (b *Base) completeStart(gen uint64, err error) {
	b.mu.Lock()
	if errors.Is(err, ErrPermissionDenied) {
		first := !b.denied
		b.denied = true
		// A pending stop finishes into Denied.
		if gen == b.gen || b.state == Stopped {
			b.state = Denied
		}
		onDenied := b.onDenied
		b.mu.Unlock()
		if !first {
			return
		}
		b.logger.Error("tracking permission denied", "error", err, "generation", gen)
		if onDenied != nil {
			onDenied(err)
		}
		return
	}
	if gen != b.gen {
		b.mu.Unlock()
		b.logger.Debug("discarding stale start completion", "generation", gen, "error", err)
		return
	}
	if err != nil {
		b.state = Stopped
		b.mu.Unlock()
		b.logger.Error("failed to start tracking", "error", err)
		return
	}
	if b.denied {
		// Acquired under a start issued before an earlier denial arrived.
		b.state = Denied
		b.mu.Unlock()
		b.logger.Warn("releasing resources acquired after permission was denied", "generation", gen)
		b.sched.RunOnWorker(func(ctx context.Context) {
			if err := b.driver.Release(ctx); err != nil {
				b.logger.Error("failed to release tracking resources", "error", err)
			}
		})
		return
	}
	b.state = Running
	b.driver.Attach(&sink{base: b, gen: gen})
	b.mu.Unlock()
	b.logger.Info("tracking started", "generation", gen)
}

// StopTracking detaches the producer, queues RemoveAll on the main context
// and the driver's Release on the worker. The returned channel closes once
// both have run.
func (b *Base) StopTracking() <-chan struct{} {
	b.mu.Lock()
	switch b.state {
	case Stopped, Denied:
		state := b.state
		b.mu.Unlock()
		b.logger.Warn("stop tracking ignored", "state", state.String())
		done := make(chan struct{})
		close(done)
		return done
	case Stopping:
		done := b.stopDone
		b.mu.Unlock()
		b.logger.Warn("stop tracking already in progress")
		return done
	}
	b.gen++
	gen := b.gen
	b.state = Stopping
	done := make(chan struct{})
	b.stopDone = done
	b.driver.Detach()
	b.mu.Unlock()

	b.logger.Debug("stopping tracking", "generation", gen)
	b.sched.Post(b.tracker.RemoveAll)
	ok := b.sched.RunOnWorker(func(ctx context.Context) {
		err := b.driver.Release(ctx)
		b.sched.Post(func() { b.finishStop(gen, err, done) })
	})
	if !ok {
		b.sched.Post(func() { b.finishStop(gen, errors.New("worker closed"), done) })
	}
	return done
}

func (b *Base) finishStop(gen uint64, err error, done chan struct{}) {
	if err != nil {
		b.logger.Error("failed to release tracking resources", "error", err)
	}
	b.mu.Lock()
	if gen == b.gen {
		b.state = Stopped
		if b.denied {
			b.state = Denied
		}
	}
	b.mu.Unlock()
	close(done)
	b.logger.Info("tracking stopped", "generation", gen)
}

// Update sweeps for lost markers and runs inline detection. Call once per
// frame on the main context.
func (b *Base) Update() {
	if u, ok := b.driver.(FrameUpdater); ok && b.State() == Running {
		u.LateUpdate()
	}
	b.tracker.Tick()
}

func (b *Base) current(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return gen == b.gen && b.state == Running
}

type sink struct {
	base *Base
	gen  uint64
}

func (s *sink) Emit(batch []core.Observation) {
	s.base.sched.Post(func() { s.Deliver(batch) })
}

func (s *sink) Deliver(batch []core.Observation) {
	if !s.base.current(s.gen) {
		s.base.logger.Debug("dropping stale observation batch", "generation", s.gen, "size", len(batch))
		return
	}
	s.base.tracker.Process(batch)
}

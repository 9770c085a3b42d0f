// Package session holds the per-session services that would otherwise be
// process-wide singletons.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OCAP2/markerpose/internal/dispatcher"
	"github.com/OCAP2/markerpose/internal/mainloop"
	"github.com/OCAP2/markerpose/internal/reference"
	"github.com/OCAP2/markerpose/internal/timeutil"
	"github.com/OCAP2/markerpose/pkg/core"
)

// Updater is anything with a per-frame hook, such as a backend.
type Updater interface {
	Update()
}

// Options configures New. Zero values get defaults.
type Options struct {
	ID         uuid.UUID
	Backend    core.BackendKind
	Anchor     *core.Anchor
	Settings   map[string]any
	Clock      timeutil.Clock
	Logger     *slog.Logger
	Dispatcher *dispatcher.Dispatcher
}

// Context is created at session start and closed at session end.
type Context struct {
	ID         uuid.UUID
	Loop       *mainloop.Loop
	Reference  *reference.Point
	Clock      timeutil.Clock
	Logger     *slog.Logger
	Dispatcher *dispatcher.Dispatcher

	mu       sync.RWMutex
	session  core.Session
	updaters []Updater
	frames   uint64
	closed   bool
}

// New starts the main loop and returns a ready context. A nil ID gets a
// fresh random one.
func New(opts Options) (*Context, error) {
	if opts.ID == uuid.Nil {
		opts.ID = uuid.New()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("session", opts.ID.String())

	loop, err := mainloop.New(logger)
	if err != nil {
		return nil, fmt.Errorf("starting main loop: %w", err)
	}

	c := &Context{
		ID:         opts.ID,
		Loop:       loop,
		Reference:  reference.New(opts.Anchor),
		Clock:      opts.Clock,
		Logger:     logger,
		Dispatcher: opts.Dispatcher,
		session: core.Session{
			ID:        opts.ID,
			StartTime: opts.Clock.Now(),
			Backend:   opts.Backend,
			Anchor:    opts.Anchor,
			Settings:  opts.Settings,
		},
	}
	logger.Info("session started", "backend", string(opts.Backend))
	return c, nil
}

// Session returns a copy of the session description.
func (c *Context) Session() core.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// AddUpdater registers a per-frame hook. Hooks run in registration order.
func (c *Context) AddUpdater(u Updater) {
	c.mu.Lock()
	c.updaters = append(c.updaters, u)
	c.mu.Unlock()
}

// Frame runs one scheduling tick: drain the main queue, then the per-frame
// hooks. It returns the number of queued closures that ran.
func (c *Context) Frame() int {
	n := c.Loop.Drain()

	c.mu.Lock()
	updaters := c.updaters
	c.frames++
	c.mu.Unlock()

	for _, u := range updaters {
		u.Update()
	}
	return n
}

// Frames counts the ticks run so far.
func (c *Context) Frames() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frames
}

// Duration is the time since the session started, or its total length once
// closed.
func (c *Context) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return c.session.EndTime.Sub(c.session.StartTime)
	}
	return c.Clock.Since(c.session.StartTime)
}

// Close stops the main loop, runs whatever it left on the main queue, then
// closes the dispatcher so recorder sinks see every event posted before the
// call.
func (c *Context) Close() core.Session {
	c.mu.Lock()
	if c.closed {
		s := c.session
		c.mu.Unlock()
		return s
	}
	c.closed = true
	c.session.EndTime = c.Clock.Now()
	s := c.session
	c.mu.Unlock()

	c.Loop.Close()
	c.Loop.Drain()
	if c.Dispatcher != nil {
		c.Dispatcher.Close()
	}
	c.Logger.Info("session closed", "duration", s.EndTime.Sub(s.StartTime))
	return s
}

// Package lifecycle turns per-cycle detection batches into Added, Updated and
// Removed events with a loss timeout.
package lifecycle

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/OCAP2/markerpose/internal/timeutil"
	"github.com/OCAP2/markerpose/pkg/core"
)

// DefaultLossTimeout is how long a marker may go unseen before it is removed.
const DefaultLossTimeout = 3 * time.Second

// ErrUnconfiguredMarker is returned for ids that were never configured as tracked.
var ErrUnconfiguredMarker = errors.New("marker id not configured for tracking")

// Config lists the tracked ids and the loss timeout.
type Config struct {
	TrackedIDs  []int
	LossTimeout time.Duration
}

// Tracker owns the per-marker state of one backend. Every method except
// Callbacks must be called on the main context.
//
// The loss sweep runs once per timeout period, so a marker is removed between
// one and two timeouts after its last observation.
type Tracker struct {
	clock   timeutil.Clock
	logger  *slog.Logger
	timeout time.Duration

	slots    map[int]*Slots
	lastSeen map[int]time.Time
	updated  map[int]struct{}

	countdown time.Duration
	lastTick  time.Time
}

// NewTracker creates a tracker for cfg. A non-positive timeout uses
// DefaultLossTimeout.
func NewTracker(cfg Config, clock timeutil.Clock, logger *slog.Logger) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.LossTimeout
	if timeout <= 0 {
		timeout = DefaultLossTimeout
	}
	t := &Tracker{
		clock:     clock,
		logger:    logger,
		timeout:   timeout,
		slots:     make(map[int]*Slots, len(cfg.TrackedIDs)),
		lastSeen:  make(map[int]time.Time),
		updated:   make(map[int]struct{}),
		countdown: timeout,
		lastTick:  clock.Now(),
	}
	for _, id := range cfg.TrackedIDs {
		t.slots[id] = newSlots(id)
	}
	return t
}

// LossTimeout returns the configured timeout.
func (t *Tracker) LossTimeout() time.Duration { return t.timeout }

// Callbacks returns the slots for a configured id.
func (t *Tracker) Callbacks(id int) (*Slots, error) {
	s, ok := t.slots[id]
	if !ok {
		t.logger.Error("callbacks requested for unconfigured marker", "marker", id)
		return nil, ErrUnconfiguredMarker
	}
	return s, nil
}

// Process classifies one detection batch. Invalid poses and untracked ids are
// dropped without error.
func (t *Tracker) Process(batch []core.Observation) {
	now := t.advance()

	for _, obs := range batch {
		if !obs.Valid() {
			t.logger.Debug("dropping observation with zero rotation", "marker", obs.ID)
			continue
		}
		s, ok := t.slots[obs.ID]
		if !ok {
			continue
		}

		_, active := t.lastSeen[obs.ID]
		t.lastSeen[obs.ID] = now
		t.updated[obs.ID] = struct{}{}

		if !active {
			t.logger.Debug("marker added", "marker", obs.ID)
			s.added.Emit(obs.ID)
		}
		s.updated.Emit(obs)
	}

	if t.countdown <= 0 {
		t.sweep(now)
	}
}

// Tick advances the loss countdown by the time since the previous call and
// sweeps when it elapses. Call it once per frame.
func (t *Tracker) Tick() {
	now := t.advance()
	if t.countdown <= 0 {
		t.sweep(now)
	}
}

// RemoveAll fires Removed for every active marker and clears all state.
func (t *Tracker) RemoveAll() {
	for _, id := range t.Active() {
		t.remove(id)
	}
	clear(t.updated)
	t.countdown = t.timeout
	t.lastTick = t.clock.Now()
}

// IsActive reports whether id is currently considered present.
func (t *Tracker) IsActive(id int) bool {
	_, ok := t.lastSeen[id]
	return ok
}

// Active returns the ids currently considered present, sorted.
func (t *Tracker) Active() []int {
	ids := make([]int, 0, len(t.lastSeen))
	for id := range t.lastSeen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Tracked returns the configured ids, sorted.
func (t *Tracker) Tracked() []int {
	ids := make([]int, 0, len(t.slots))
	for id := range t.slots {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *Tracker) advance() time.Time {
	now := t.clock.Now()
	t.countdown -= now.Sub(t.lastTick)
	t.lastTick = now
	return now
}

func (t *Tracker) sweep(now time.Time) {
	for _, id := range t.Active() {
		if _, fresh := t.updated[id]; fresh {
			continue
		}
		if now.Sub(t.lastSeen[id]) > t.timeout {
			t.remove(id)
		}
	}
	clear(t.updated)
	t.countdown = t.timeout
}

func (t *Tracker) remove(id int) {
	delete(t.lastSeen, id)
	delete(t.updated, id)
	t.logger.Debug("marker removed", "marker", id)
	t.slots[id].removed.Emit(id)
}

// Package follower keeps a virtual object aligned with one tracked marker.
package follower

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/OCAP2/markerpose/internal/lifecycle"
	"github.com/OCAP2/markerpose/internal/posemath"
	"github.com/OCAP2/markerpose/internal/smoothing"
	"github.com/OCAP2/markerpose/pkg/core"
)

// Bounds of the averaging window.
const (
	MinWindow = 1
	MaxWindow = 50
)

// ErrAlreadyBound is returned by Bind when the follower is not Idle.
var ErrAlreadyBound = errors.New("follower already bound")

// State is the follower's position in its Idle/Searching/Tracking cycle.
type State uint8

const (
	Idle State = iota
	Searching
	Tracking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Searching:
		return "searching"
	case Tracking:
		return "tracking"
	default:
		return "unknown"
	}
}

// Source hands out the lifecycle callbacks for a marker id.
// Both lifecycle.Tracker and every backend satisfy it.
type Source interface {
	Callbacks(id int) (*lifecycle.Slots, error)
}

// Config holds smoothing parameters.
type Config struct {
	Window            int     `json:"window" yaml:"window" mapstructure:"window" validate:"min=1,max=50"`
	PositionThreshold float64 `json:"positionThreshold" yaml:"positionThreshold" mapstructure:"positionThreshold" validate:"gte=0"`
	RotationThreshold float64 `json:"rotationThreshold" yaml:"rotationThreshold" mapstructure:"rotationThreshold" validate:"gte=0"`
	// OffsetEuler is applied after the observed rotation, in degrees.
	OffsetEuler r3.Vec `json:"offsetEuler" yaml:"offsetEuler" mapstructure:"offsetEuler"`
	KeepVisible bool   `json:"keepVisible" yaml:"keepVisible" mapstructure:"keepVisible"`
}

// DefaultConfig returns a single-sample window with a 180 degree yaw offset.
func DefaultConfig() Config {
	return Config{
		Window:            1,
		PositionThreshold: 0.005,
		RotationThreshold: 2,
		OffsetEuler:       r3.Vec{X: 0, Y: 180, Z: 0},
	}
}

// Follower smooths the Updated stream of one marker and publishes the result.
// Lifecycle handlers run on the main context; readers may call Pose, State
// and Visible from any goroutine.
type Follower struct {
	cfg    Config
	offset quat.Number
	logger *slog.Logger

	mu      sync.RWMutex
	state   State
	id      int
	visible bool
	pose    core.Pose
	subs    []lifecycle.Subscription

	// smoothing state, touched only from lifecycle handlers
	averager *smoothing.Averager
	prevPos  r3.Vec
	prevRot  quat.Number

	updated lifecycle.Signal[core.PoseSample]
}

// New clamps the window into [MinWindow, MaxWindow].
func New(cfg Config, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window < MinWindow {
		cfg.Window = MinWindow
	}
	if cfg.Window > MaxWindow {
		cfg.Window = MaxWindow
	}
	return &Follower{
		cfg:      cfg,
		offset:   posemath.Euler(cfg.OffsetEuler.X, cfg.OffsetEuler.Y, cfg.OffsetEuler.Z),
		logger:   logger.With("component", "follower"),
		averager: smoothing.NewAverager(cfg.Window),
		pose:     core.IdentityPose,
	}
}

// Config returns the smoothing parameters.
func (f *Follower) Config() Config { return f.cfg }

// Bind subscribes to the marker's lifecycle and moves Idle to Searching.
func (f *Follower) Bind(src Source, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Idle {
		return fmt.Errorf("bind marker %d: %w (marker %d)", id, ErrAlreadyBound, f.id)
	}

	slots, err := src.Callbacks(id)
	if err != nil {
		return fmt.Errorf("bind marker %d: %w", id, err)
	}

	f.id = id
	f.subs = []lifecycle.Subscription{
		slots.OnAdded(f.onAdded),
		slots.OnUpdated(f.onUpdated),
		slots.OnRemoved(f.onRemoved),
	}
	f.state = Searching
	f.logger.Debug("bound", "markerId", id)
	return nil
}

// Unbind detaches from the lifecycle from any state and returns to Idle.
func (f *Follower) Unbind() {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.state = Idle
	f.visible = false
	f.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	f.resetSmoothing()
}

// OnPoseUpdated subscribes to every published pose.
func (f *Follower) OnPoseUpdated(fn func(core.PoseSample)) lifecycle.Subscription {
	return f.updated.Subscribe(fn)
}

// State returns the follower's current state.
func (f *Follower) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// MarkerID is the bound marker, or the last one bound.
func (f *Follower) MarkerID() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.id
}

// Visible reports whether the virtual object is shown.
func (f *Follower) Visible() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.visible
}

// Pose is the last published (averaged) pose.
func (f *Follower) Pose() core.Pose {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.pose
}

func (f *Follower) resetSmoothing() {
	f.averager.Reset()
	f.prevPos = r3.Vec{}
	f.prevRot = posemath.Identity
}

func (f *Follower) onAdded(int) {
	f.resetSmoothing()

	f.mu.Lock()
	f.visible = true
	f.state = Tracking
	f.mu.Unlock()
}

func (f *Follower) onUpdated(obs core.Observation) {
	pos := obs.Pose.Position
	rot := posemath.Mul(obs.Pose.Rotation, f.offset)

	if !f.averager.Empty() {
		pos, rot = smoothing.LowPass(f.prevPos, f.prevRot, pos, rot, f.cfg.PositionThreshold, f.cfg.RotationThreshold)
	}
	f.prevPos, f.prevRot = pos, rot

	published := f.averager.Add(pos, rot)

	f.mu.Lock()
	f.pose = published
	f.mu.Unlock()

	f.updated.Emit(core.PoseSample{
		Time:     obs.Timestamp,
		MarkerID: obs.ID,
		Pose:     published,
		Raw:      obs.Pose,
	})
}

func (f *Follower) onRemoved(int) {
	f.resetSmoothing()

	f.mu.Lock()
	if f.state == Tracking {
		f.state = Searching
	}
	f.visible = f.cfg.KeepVisible
	f.mu.Unlock()
}

// Package calibration aligns the shared reference point to a marker by
// collecting a fixed number of smoothed pose updates.
package calibration

import (
	"errors"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/OCAP2/markerpose/internal/lifecycle"
	"github.com/OCAP2/markerpose/pkg/core"
)

// DefaultSteps is the number of pose updates a calibration counts.
const DefaultSteps = 200

// ErrInProgress is returned by Start while a run is active.
var ErrInProgress = errors.New("calibration already in progress")

// State is the controller's Idle/Running/Done state.
type State uint8

const (
	Idle State = iota
	Running
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Progress is reported after every counted update.
type Progress struct {
	Step    int
	Total   int
	Percent int
}

// Tracker is the part of a backend calibration drives.
type Tracker interface {
	StartTracking()
	StopTracking() <-chan struct{}
}

// PoseSource publishes smoothed poses.
type PoseSource interface {
	OnPoseUpdated(fn func(core.PoseSample)) lifecycle.Subscription
}

// Aligner receives the final pose.
type Aligner interface {
	Align(core.Pose)
}

// Options configures a Controller. Callbacks run on the main context.
type Options struct {
	Steps      int
	SessionID  uuid.UUID
	Logger     *slog.Logger
	OnProgress func(Progress)
	OnComplete func(core.CalibrationResult)
	// OnStopped fires when a run is cancelled before reaching Steps.
	OnStopped func(Progress)
}

// Controller runs one calibration at a time. Its methods and the pose
// callback are expected on the main context; the mutex only guards readers
// on other goroutines.
type Controller struct {
	tracker Tracker
	source  PoseSource
	aligner Aligner
	opts    Options
	logger  *slog.Logger

	mu    sync.Mutex
	state State
	step  int
	last  core.PoseSample
	sub   lifecycle.Subscription
}

// New returns an idle controller. Steps below 1 fall back to DefaultSteps.
func New(tracker Tracker, source PoseSource, aligner Aligner, opts Options) *Controller {
	if opts.Steps < 1 {
		opts.Steps = DefaultSteps
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		tracker: tracker,
		source:  source,
		aligner: aligner,
		opts:    opts,
		logger:  logger.With("component", "calibration"),
	}
}

// Start subscribes to pose updates and starts tracking.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.state == Running {
		c.mu.Unlock()
		return ErrInProgress
	}
	c.state = Running
	c.step = 0
	c.mu.Unlock()

	c.sub = c.source.OnPoseUpdated(c.onPose)
	c.tracker.StartTracking()
	c.logger.Info("calibration started", "steps", c.opts.Steps)
	return nil
}

// Cancel stops a running calibration without aligning. It returns the stop
// completion of the tracker, or nil when nothing was running.
func (c *Controller) Cancel() <-chan struct{} {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return nil
	}
	p := c.progressLocked()
	c.mu.Unlock()

	done := c.finish()
	c.logger.Info("calibration stopped", "step", p.Step, "total", p.Total)
	if c.opts.OnStopped != nil {
		c.opts.OnStopped(p)
	}
	return done
}

// Toggle is the menu-key behaviour: start when idle, stop when running.
func (c *Controller) Toggle() {
	if c.State() == Running {
		c.Cancel()
		return
	}
	_ = c.Start()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Progress returns the step count of the current or last run.
func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressLocked()
}

func (c *Controller) progressLocked() Progress {
	return Progress{
		Step:    c.step,
		Total:   c.opts.Steps,
		Percent: int(math.Round(float64(c.step) / float64(c.opts.Steps) * 100)),
	}
}

func (c *Controller) onPose(s core.PoseSample) {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return
	}
	c.step++
	c.last = s
	p := c.progressLocked()
	complete := c.step >= c.opts.Steps
	if complete {
		c.state = Done
	}
	c.mu.Unlock()

	if c.opts.OnProgress != nil {
		c.opts.OnProgress(p)
	}
	if !complete {
		return
	}

	c.finish()
	c.aligner.Align(s.Pose)
	result := core.CalibrationResult{
		SessionID: c.opts.SessionID,
		Time:      s.Time,
		MarkerID:  s.MarkerID,
		Steps:     p.Step,
		Pose:      s.Pose,
	}
	c.logger.Info("calibration complete", "marker", s.MarkerID, "steps", p.Step)
	if c.opts.OnComplete != nil {
		c.opts.OnComplete(result)
	}
}

// finish unsubscribes and stops tracking. The step counter is kept so a
// completed run still reports 100%.
func (c *Controller) finish() <-chan struct{} {
	c.sub.Unsubscribe()
	c.sub = lifecycle.Subscription{}

	c.mu.Lock()
	if c.state == Running {
		c.state = Idle
	}
	c.mu.Unlock()

	return c.tracker.StopTracking()
}

// Package backend defines the contract shared by all marker detection
// sources and the start/stop state machine they run under.
package backend

import (
	"context"
	"errors"

	"github.com/OCAP2/markerpose/internal/lifecycle"
	"github.com/OCAP2/markerpose/pkg/core"
)

var (
	// ErrPermissionDenied is terminal for the backend instance that reports it.
	ErrPermissionDenied = errors.New("tracking permission denied")
	// ErrNoBackend means no detection source is available on this platform.
	ErrNoBackend = errors.New("no marker tracking backend available")
	// ErrInvalidObservation marks raw detections that cannot become poses.
	ErrInvalidObservation = errors.New("invalid observation")
	// ErrUnconfiguredMarker is returned by Callbacks for ids not tracked.
	ErrUnconfiguredMarker = lifecycle.ErrUnconfiguredMarker
)

// State is the tracking state of a backend.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Denied
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Backend is a marker detection source. StartTracking, StopTracking and
// Update must be called on the main context.
type Backend interface {
	Kind() core.BackendKind
	// StartTracking begins producing observations. Calling it while already
	// starting or running logs a warning and does nothing.
	StartTracking()
	// StopTracking halts production. The returned channel closes after
	// Removed has fired for every marker that was active.
	StopTracking() <-chan struct{}
	SupportedOnPlatform() bool
	Callbacks(id int) (*lifecycle.Slots, error)
	State() State
	Active() []int
	// Update runs the per-frame work: loss sweep and inline detection.
	Update()
}

// Sink receives observation batches from a driver.
type Sink interface {
	// Emit may be called from any goroutine; the batch is processed at the
	// next main-context drain.
	Emit(batch []core.Observation)
	// Deliver must be called on the main context and processes the batch
	// immediately.
	Deliver(batch []core.Observation)
}

// Driver is the backend-specific part of a Backend. Acquire and Release run
// on the worker context and may block. A driver must release only what it
// actually acquired.
type Driver interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
	// Attach connects the producer to sink. Called on the main context once
	// Acquire has succeeded.
	Attach(sink Sink)
	// Detach disconnects the producer. Called on the main context.
	Detach()
}

// FrameUpdater is implemented by drivers that detect inline once per frame.
type FrameUpdater interface {
	LateUpdate()
}

// PlatformChecker is implemented by drivers that can only run on some platforms.
type PlatformChecker interface {
	SupportedOnPlatform() bool
}

// Scheduler is the pair of execution contexts a backend uses.
type Scheduler interface {
	Post(fn func())
	RunOnWorker(fn func(ctx context.Context)) bool
}

// pkg/core/events.go
package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a lifecycle transition.
type EventKind uint8

const (
	EventAdded EventKind = iota + 1
	EventUpdated
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// LifecycleEvent records a marker transition.
// Pose is only meaningful for EventUpdated.
type LifecycleEvent struct {
	SessionID uuid.UUID
	Time      time.Time
	MarkerID  int
	Kind      EventKind
	Pose      Pose
}

// PoseSample is a smoothed pose published by a follower.
type PoseSample struct {
	SessionID uuid.UUID
	Time      time.Time
	MarkerID  int
	Pose      Pose
	Raw       Pose
}

// CalibrationResult is the pose a calibration run settled on.
type CalibrationResult struct {
	SessionID uuid.UUID
	Time      time.Time
	MarkerID  int
	Steps     int
	Pose      Pose
}

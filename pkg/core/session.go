// pkg/core/session.go
package core

import (
	"time"

	"github.com/google/uuid"
)

// BackendKind names a detection technology.
type BackendKind string

const (
	BackendVendor BackendKind = "vendor"
	BackendCamera BackendKind = "camera"
	BackendReplay BackendKind = "replay"
)

// MarkerType is the fiducial family a vendor tracker reports.
type MarkerType string

const (
	MarkerAruco    MarkerType = "aruco"
	MarkerAprilTag MarkerType = "apriltag"
	MarkerQR       MarkerType = "qr"
)

// Anchor is an optional geographic location of the shared reference point.
type Anchor struct {
	Latitude  float64
	Longitude float64
	Elevation float64
}

// Session describes one tracking session.
type Session struct {
	ID        uuid.UUID
	StartTime time.Time
	EndTime   time.Time
	Backend   BackendKind
	Anchor    *Anchor
	Settings  map[string]any
}

// UploadMetadata accompanies an exported session file sent to a remote server.
type UploadMetadata struct {
	SessionID  string
	Backend    string
	MarkerIDs  []int
	DurationS  float64
	SampleSize int
}

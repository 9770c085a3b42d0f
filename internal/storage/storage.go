package storage

import (
	"time"

	"github.com/OCAP2/markerpose/internal/model"
	"github.com/OCAP2/markerpose/pkg/core"
)

// Backend is the interface all storage implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Session management
	StartSession(s *core.Session) error
	EndSession(s core.Session) error

	// Recording
	RecordLifecycle(e *core.LifecycleEvent) error
	RecordPose(s *core.PoseSample) error
	RecordCalibration(c *core.CalibrationResult) error
}

// Uploadable is an optional interface for storage backends that produce
// files suitable for upload to a remote server.
type Uploadable interface {
	GetExportedFilePath() string
	GetExportMetadata() core.UploadMetadata
}

// WriteStats is implemented by backends that write in batches.
type WriteStats interface {
	LastWriteDuration() time.Duration
	Pending() int
}

// PerformanceRecorder is implemented by backends that persist recorder
// performance snapshots.
type PerformanceRecorder interface {
	RecordPerformance(p model.RecorderPerformance) error
}

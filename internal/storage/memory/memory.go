// Package memory keeps a whole session in memory and exports it as JSON on
// EndSession.
package memory

import (
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/OCAP2/markerpose/internal/config"
	"github.com/OCAP2/markerpose/pkg/core"
)

// ErrNoSession is returned when ending a session that was never started.
var ErrNoSession = errors.New("no active session")

// MarkerRecord groups a marker with all its time-series data
type MarkerRecord struct {
	MarkerID int
	Events   []core.LifecycleEvent
	Poses    []core.PoseSample
}

// Backend stores session data in memory and exports to JSON
type Backend struct {
	cfg     config.MemoryConfig
	log     zerolog.Logger
	session *core.Session

	markers      map[int]*MarkerRecord // keyed by marker id
	calibrations []core.CalibrationResult

	lastExportPath     string
	lastExportMetadata core.UploadMetadata

	mu sync.RWMutex
}

// New creates a new memory backend
func New(cfg config.MemoryConfig, log zerolog.Logger) *Backend {
	return &Backend{
		cfg:     cfg,
		log:     log.With().Str("component", "memory").Logger(),
		markers: make(map[int]*MarkerRecord),
	}
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

// StartSession begins recording a new session
func (b *Backend) StartSession(s *core.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	session := *s
	b.session = &session

	// Reset all collections
	b.markers = make(map[int]*MarkerRecord)
	b.calibrations = nil
	return nil
}

// EndSession finalizes and exports the session data
func (b *Backend) EndSession(s core.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return ErrNoSession
	}
	b.session.EndTime = s.EndTime
	if err := b.exportJSON(); err != nil {
		return err
	}
	if err := b.exportSummary(); err != nil {
		return err
	}
	b.log.Info().Str("path", b.lastExportPath).Msg("Session exported")
	b.session = nil
	return nil
}

func (b *Backend) record(id int) *MarkerRecord {
	r, ok := b.markers[id]
	if !ok {
		r = &MarkerRecord{MarkerID: id}
		b.markers[id] = r
	}
	return r
}

// RecordLifecycle records a marker transition
func (b *Backend) RecordLifecycle(e *core.LifecycleEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.record(e.MarkerID)
	r.Events = append(r.Events, *e)
	return nil
}

// RecordPose records a published pose
func (b *Backend) RecordPose(s *core.PoseSample) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.record(s.MarkerID)
	r.Poses = append(r.Poses, *s)
	return nil
}

// RecordCalibration records a calibration result
func (b *Backend) RecordCalibration(c *core.CalibrationResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calibrations = append(b.calibrations, *c)
	return nil
}

// GetMarker returns a copy of the marker's record.
func (b *Backend) GetMarker(id int) (MarkerRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.markers[id]
	if !ok {
		return MarkerRecord{}, false
	}
	return MarkerRecord{
		MarkerID: r.MarkerID,
		Events:   slices.Clone(r.Events),
		Poses:    slices.Clone(r.Poses),
	}, true
}

// markerIDs returns the recorded ids, sorted. Caller holds the lock.
func (b *Backend) markerIDs() []int {
	ids := make([]int, 0, len(b.markers))
	for id := range b.markers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// GetExportedFilePath returns the path of the last export, empty before one.
func (b *Backend) GetExportedFilePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportPath
}

// GetExportMetadata describes the last export for upload.
func (b *Backend) GetExportMetadata() core.UploadMetadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportMetadata
}

// Package gormstore implements the storage.Backend interface using GORM
// with internal queues and a background DB writer goroutine.
package gormstore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/OCAP2/markerpose/internal/database"
	"github.com/OCAP2/markerpose/internal/model"
	"github.com/OCAP2/markerpose/internal/model/convert"
	"github.com/OCAP2/markerpose/internal/queue"
	"github.com/OCAP2/markerpose/pkg/core"
)

// DefaultWriteInterval is how often queued rows are flushed.
const DefaultWriteInterval = 2 * time.Second

// ErrNoSession is returned when recording before StartSession.
var ErrNoSession = errors.New("no active session")

// Dependencies holds all dependencies for the GORM storage backend.
// When DB is nil, Init connects through Manager.
type Dependencies struct {
	DB            *gorm.DB
	Manager       *database.Manager
	Logger        zerolog.Logger
	WriteInterval time.Duration
}

// queues holds all the write queues for batch DB insertion.
type queues struct {
	LifecycleEvents *queue.Queue[model.LifecycleEvent]
	PoseSamples     *queue.Queue[model.PoseSample]
	Calibrations    *queue.Queue[model.Calibration]
}

func newQueues() *queues {
	return &queues{
		LifecycleEvents: queue.New[model.LifecycleEvent](),
		PoseSamples:     queue.New[model.PoseSample](),
		Calibrations:    queue.New[model.Calibration](),
	}
}

// Backend implements storage.Backend using GORM with queue-based batch writes.
type Backend struct {
	deps   Dependencies
	log    zerolog.Logger
	queues *queues

	sessionID atomic.Uint64
	lastWrite atomic.Int64

	writeMu  sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.WriteInterval <= 0 {
		deps.WriteInterval = DefaultWriteInterval
	}
	return &Backend{
		deps:   deps,
		log:    deps.Logger.With().Str("component", "storage").Logger(),
		queues: newQueues(),
	}
}

// DB is the connection rows are written to, nil before Init.
func (b *Backend) DB() *gorm.DB { return b.deps.DB }

// Init connects if needed, migrates the schema, and starts the DB writer goroutine.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		if b.deps.Manager == nil {
			return errors.New("no database configured")
		}
		if err := b.deps.Manager.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		if err := b.deps.Manager.Setup(); err != nil {
			return fmt.Errorf("failed to setup DB: %w", err)
		}
		if b.deps.Manager.ShouldSaveLocal {
			b.log.Warn().Msg("Postgres unavailable, recording to in-memory SQLite")
		}
		b.deps.DB = b.deps.Manager.DB
	} else if err := b.deps.DB.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})
	go b.writeLoop()
	return nil
}

// Close stops the DB writer goroutine after a final flush.
func (b *Backend) Close() error {
	if b.stopChan == nil {
		return nil
	}
	b.stopOnce.Do(func() {
		close(b.stopChan)
		<-b.done
	})
	return nil
}

// StartSession inserts the session row synchronously so queued rows can reference it.
func (b *Backend) StartSession(s *core.Session) error {
	if b.deps.DB == nil {
		return nil
	}
	row := convert.CoreToSession(*s)
	if err := b.deps.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert new session: %w", err)
	}
	b.sessionID.Store(uint64(row.ID))
	b.log.Info().Str("session", s.ID.String()).Uint("row", row.ID).Msg("Session started")
	return nil
}

// EndSession flushes pending rows and stamps the end time.
func (b *Backend) EndSession(s core.Session) error {
	id := uint(b.sessionID.Load())
	if b.deps.DB == nil || id == 0 {
		return nil
	}
	b.Flush()

	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	if err := b.deps.DB.Model(&model.Session{}).Where("id = ?", id).Update("end_time", end).Error; err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	b.sessionID.Store(0)
	return nil
}

// SessionRowID is the database key of the active session, 0 when none.
func (b *Backend) SessionRowID() uint {
	return uint(b.sessionID.Load())
}

// RecordLifecycle converts and queues a lifecycle event.
func (b *Backend) RecordLifecycle(e *core.LifecycleEvent) error {
	b.queues.LifecycleEvents.Push(convert.CoreToLifecycleEvent(*e, 0))
	return nil
}

// RecordPose converts and queues a pose sample.
func (b *Backend) RecordPose(s *core.PoseSample) error {
	b.queues.PoseSamples.Push(convert.CoreToPoseSample(*s, 0))
	return nil
}

// RecordCalibration converts and queues a calibration result.
func (b *Backend) RecordCalibration(c *core.CalibrationResult) error {
	b.queues.Calibrations.Push(convert.CoreToCalibration(*c, 0))
	return nil
}

// RecordPerformance inserts a performance snapshot for the active session.
func (b *Backend) RecordPerformance(p model.RecorderPerformance) error {
	id := uint(b.sessionID.Load())
	if b.deps.DB == nil || id == 0 {
		return ErrNoSession
	}
	p.SessionID = id
	p.Queues.LifecycleEvents = uint16(b.queues.LifecycleEvents.Len())
	p.Queues.PoseSamples = uint16(b.queues.PoseSamples.Len())
	p.Queues.Calibrations = uint16(b.queues.Calibrations.Len())
	if err := b.deps.DB.Create(&p).Error; err != nil {
		return fmt.Errorf("failed to insert recorder performance: %w", err)
	}
	return nil
}

// Pending is the number of rows waiting for the next write cycle.
func (b *Backend) Pending() int {
	return b.queues.LifecycleEvents.Len() + b.queues.PoseSamples.Len() + b.queues.Calibrations.Len()
}

// LastWriteDuration is how long the most recent write cycle took.
func (b *Backend) LastWriteDuration() time.Duration {
	return time.Duration(b.lastWrite.Load())
}

// writeQueue writes all items from a queue to the database in a transaction.
// Failed batches go back on the queue for the next cycle.
func writeQueue[T any](db *gorm.DB, q *queue.Queue[T], name string, log zerolog.Logger, prepare func([]T)) {
	if q.Empty() {
		return
	}

	tx := db.Begin()
	items := q.Drain()
	if prepare != nil {
		prepare(items)
	}
	if err := tx.Create(&items).Error; err != nil {
		log.Error().Err(err).Str("table", name).Msg("Error creating rows")
		tx.Rollback()
		q.Push(items...)
		return
	}

	if err := tx.Commit().Error; err != nil {
		log.Error().Err(err).Str("table", name).Msg("Error committing rows")
		q.Push(items...)
	}
}

// Flush writes every queued row now. Rows are held back while no session
// is active.
func (b *Backend) Flush() {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if b.deps.DB == nil {
		return
	}
	// Read sessionID once per write cycle
	sessionID := uint(b.sessionID.Load())
	if sessionID == 0 {
		return
	}

	start := time.Now()
	writeQueue(b.deps.DB, b.queues.LifecycleEvents, "lifecycle events", b.log, func(items []model.LifecycleEvent) {
		for i := range items {
			items[i].SessionID = sessionID
		}
	})
	writeQueue(b.deps.DB, b.queues.PoseSamples, "pose samples", b.log, func(items []model.PoseSample) {
		for i := range items {
			items[i].SessionID = sessionID
		}
	})
	writeQueue(b.deps.DB, b.queues.Calibrations, "calibrations", b.log, func(items []model.Calibration) {
		for i := range items {
			items[i].SessionID = sessionID
		}
	})
	b.lastWrite.Store(int64(time.Since(start)))
}

func (b *Backend) writeLoop() {
	defer close(b.done)
	ticker := time.NewTicker(b.deps.WriteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			b.Flush()
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

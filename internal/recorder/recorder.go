// Package recorder fans pipeline output out to the storage backend, InfluxDB,
// the pose stream and the latest-pose cache.
package recorder

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/OCAP2/markerpose/internal/cache"
	"github.com/OCAP2/markerpose/internal/dispatcher"
	"github.com/OCAP2/markerpose/internal/logging"
	"github.com/OCAP2/markerpose/internal/storage"
	"github.com/OCAP2/markerpose/pkg/core"
)

// Dispatcher commands.
const (
	CmdPose        = ":POSE:"
	CmdLifecycle   = ":LIFECYCLE:"
	CmdCalibration = ":CALIBRATION:"
)

// Queue sizes of the buffered commands.
const (
	DefaultPoseBuffer      = 10000
	DefaultLifecycleBuffer = 10000
)

// ErrUnexpectedPayload is returned by a handler given the wrong payload type.
var ErrUnexpectedPayload = errors.New("unexpected payload")

// PoseWriter receives every published pose, e.g. the InfluxDB manager.
type PoseWriter interface {
	WritePose(s core.PoseSample) error
}

// Publisher broadcasts poses to remote clients without blocking.
type Publisher interface {
	Publish(s core.PoseSample) bool
}

// Dependencies holds the sinks. Every field except Logger is optional.
type Dependencies struct {
	Storage storage.Backend
	Influx  PoseWriter
	Stream  Publisher
	Cache   *cache.PoseCache
	Logger  zerolog.Logger

	PoseBuffer      int
	LifecycleBuffer int
}

// Manager owns the recorder handlers.
type Manager struct {
	deps    Dependencies
	logger  zerolog.Logger
	sampled zerolog.Logger
}

// NewManager fills in default queue sizes.
func NewManager(deps Dependencies) *Manager {
	if deps.PoseBuffer <= 0 {
		deps.PoseBuffer = DefaultPoseBuffer
	}
	if deps.LifecycleBuffer <= 0 {
		deps.LifecycleBuffer = DefaultLifecycleBuffer
	}
	logger := deps.Logger.With().Str("component", "recorder").Logger()
	return &Manager{
		deps:    deps,
		logger:  logger,
		sampled: logging.Sampled(logger),
	}
}

// RegisterHandlers registers all event handlers with the dispatcher.
func (m *Manager) RegisterHandlers(d *dispatcher.Dispatcher) {
	// Poses arrive every frame; a full queue drops them and counts the drop.
	d.Register(CmdPose, m.handlePose, dispatcher.Buffered(m.deps.PoseBuffer), dispatcher.Logged())

	// Lifecycle transitions are rare, so the queue only fills when a sink
	// stalls. Dispatch runs on the main context and must not wait for it.
	d.Register(CmdLifecycle, m.handleLifecycle, dispatcher.Buffered(m.deps.LifecycleBuffer), dispatcher.Logged())

	// Calibration - sync, the caller wants the result persisted before it moves on.
	d.Register(CmdCalibration, m.handleCalibration, dispatcher.Logged())
}

func (m *Manager) hasStorage() bool {
	return m.deps.Storage != nil
}

func (m *Manager) handlePose(e dispatcher.Event) (any, error) {
	s, ok := e.Payload.(core.PoseSample)
	if !ok {
		return nil, fmt.Errorf("%w for %s: %T", ErrUnexpectedPayload, e.Command, e.Payload)
	}

	if m.deps.Cache != nil {
		m.deps.Cache.Set(s)
	}
	if m.deps.Stream != nil && !m.deps.Stream.Publish(s) {
		m.sampled.Debug().Int("marker", s.MarkerID).Msg("pose stream queue full")
	}

	var errs []error
	if m.hasStorage() {
		if err := m.deps.Storage.RecordPose(&s); err != nil {
			errs = append(errs, fmt.Errorf("failed to record pose: %w", err))
		}
	}
	if m.deps.Influx != nil {
		if err := m.deps.Influx.WritePose(s); err != nil {
			errs = append(errs, fmt.Errorf("failed to write pose point: %w", err))
		}
	}

	m.sampled.Debug().
		Int("marker", s.MarkerID).
		Float64("x", s.Pose.Position.X).
		Float64("y", s.Pose.Position.Y).
		Float64("z", s.Pose.Position.Z).
		Msg("pose recorded")

	return nil, errors.Join(errs...)
}

func (m *Manager) handleLifecycle(e dispatcher.Event) (any, error) {
	ev, ok := e.Payload.(core.LifecycleEvent)
	if !ok {
		return nil, fmt.Errorf("%w for %s: %T", ErrUnexpectedPayload, e.Command, e.Payload)
	}

	if ev.Kind == core.EventRemoved && m.deps.Cache != nil {
		m.deps.Cache.Delete(ev.MarkerID)
	}

	m.logger.Info().Int("marker", ev.MarkerID).Str("kind", ev.Kind.String()).Msg("marker lifecycle")

	if !m.hasStorage() {
		return nil, nil
	}
	if err := m.deps.Storage.RecordLifecycle(&ev); err != nil {
		return nil, fmt.Errorf("failed to record lifecycle event: %w", err)
	}
	return nil, nil
}

func (m *Manager) handleCalibration(e dispatcher.Event) (any, error) {
	c, ok := e.Payload.(core.CalibrationResult)
	if !ok {
		return nil, fmt.Errorf("%w for %s: %T", ErrUnexpectedPayload, e.Command, e.Payload)
	}

	m.logger.Info().Int("marker", c.MarkerID).Int("steps", c.Steps).Msg("calibration recorded")

	if !m.hasStorage() {
		return nil, nil
	}
	if err := m.deps.Storage.RecordCalibration(&c); err != nil {
		return nil, fmt.Errorf("failed to record calibration: %w", err)
	}
	return nil, nil
}

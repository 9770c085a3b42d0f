// Package camera runs a fiducial tag detector inline on each frame of a
// video source.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/OCAP2/markerpose/internal/backend"
	"github.com/OCAP2/markerpose/internal/posemath"
	"github.com/OCAP2/markerpose/pkg/core"
)

// Family is an AprilTag family name.
type Family string

const (
	Tag16h5          Family = "tag16h5"
	Tag25h9          Family = "tag25h9"
	Tag36h11         Family = "tag36h11"
	TagCircle21h7    Family = "tagCircle21h7"
	TagCircle49h12   Family = "tagCircle49h12"
	TagCustom48h12   Family = "tagCustom48h12"
	TagStandard41h12 Family = "tagStandard41h12"
	TagStandard52h13 Family = "tagStandard52h13"
)

// ErrEmptyFrame is returned by sources that have not produced a frame yet.
var ErrEmptyFrame = errors.New("no frame available")

// Frame is one grayscale image, one byte per pixel, row-major.
type Frame struct {
	Width     int
	Height    int
	Pixels    []byte
	Timestamp time.Time
}

// Empty reports whether the frame carries no usable pixels.
func (f Frame) Empty() bool {
	return f.Width <= 0 || f.Height <= 0 || len(f.Pixels) < f.Width*f.Height
}

// FrameSource is a video feed.
type FrameSource interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Resolution() (width, height int)
	// Latest returns the most recent frame.
	Latest() (Frame, error)
}

// Intrinsics are the camera parameters the detector needs for pose estimation.
type Intrinsics struct {
	// FieldOfView is the vertical field of view in radians.
	FieldOfView float64
	// TagSize is the printed tag edge length in meters.
	TagSize float64
}

// Tag is one detection in the detector's own coordinate convention.
type Tag struct {
	ID       int
	Position r3.Vec
	Rotation quat.Number
}

// Detector finds tags in grayscale frames.
type Detector interface {
	Detect(frame Frame, in Intrinsics) ([]Tag, error)
	Close() error
}

// DetectorFactory allocates a detector sized for the given resolution.
type DetectorFactory func(width, height, decimation int, family Family) (Detector, error)

// Config configures a camera backend.
type Config struct {
	Family     Family  `json:"family" yaml:"family" mapstructure:"family"`
	Decimation int     `json:"decimation" yaml:"decimation" mapstructure:"decimation" validate:"gte=1"`
	TagSize    float64 `json:"tagSize" yaml:"tagSize" mapstructure:"tagSize" validate:"gt=0"`
	// FieldOfView is the vertical field of view in degrees.
	FieldOfView float64 `json:"fieldOfView" yaml:"fieldOfView" mapstructure:"fieldOfView" validate:"gt=0,lt=180"`
	// RightHanded is set when the detector reports OpenCV-style poses.
	RightHanded bool `json:"rightHanded" yaml:"rightHanded" mapstructure:"rightHanded"`
}

// DefaultConfig detects 5 cm tag36h11 tags at quarter resolution.
func DefaultConfig() Config {
	return Config{
		Family:      Tag36h11,
		Decimation:  4,
		TagSize:     0.05,
		FieldOfView: 60,
	}
}

// Backend is the camera detector running under the shared state machine.
type Backend struct {
	*backend.Base
	driver *driver
}

// New builds a camera backend. Detection runs during Update on the main context.
func New(source FrameSource, factory DetectorFactory, cfg Config, opts backend.Options) *Backend {
	opts.Kind = core.BackendCamera
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &driver{
		source:  source,
		factory: factory,
		cfg:     cfg,
		offset:  posemath.Euler(0, 180, 0),
		logger:  logger.With("backend", string(core.BackendCamera)),
	}
	return &Backend{Base: backend.NewBase(d, opts), driver: d}
}

type driver struct {
	source  FrameSource
	factory DetectorFactory
	cfg     Config
	offset  quat.Number
	logger  *slog.Logger

	mu       sync.Mutex
	started  bool
	detector Detector
	sink     backend.Sink
}

func (d *driver) SupportedOnPlatform() bool {
	return d.source != nil && d.factory != nil
}

func (d *driver) Acquire(ctx context.Context) error {
	if err := d.source.Start(ctx); err != nil {
		return fmt.Errorf("starting camera: %w", err)
	}
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()

	w, h := d.source.Resolution()
	det, err := d.factory(w, h, d.cfg.Decimation, d.cfg.Family)
	if err != nil {
		err = fmt.Errorf("creating %s detector for %dx%d: %w", d.cfg.Family, w, h, err)
		d.mu.Lock()
		d.started = false
		d.mu.Unlock()
		if stopErr := d.source.Stop(ctx); stopErr != nil {
			return errors.Join(err, fmt.Errorf("stopping camera: %w", stopErr))
		}
		return err
	}

	d.mu.Lock()
	d.detector = det
	d.mu.Unlock()
	return nil
}

func (d *driver) Release(ctx context.Context) error {
	d.mu.Lock()
	det := d.detector
	started := d.started
	d.detector = nil
	d.started = false
	d.mu.Unlock()

	var errs []error
	if det != nil {
		if err := det.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing detector: %w", err))
		}
	}
	if started {
		if err := d.source.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping camera: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (d *driver) Attach(sink backend.Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

func (d *driver) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = nil
}

// LateUpdate detects tags in the latest frame and delivers them immediately.
func (d *driver) LateUpdate() {
	sink, batch := d.detect()
	if sink != nil && len(batch) > 0 {
		sink.Deliver(batch)
	}
}

func (d *driver) detect() (backend.Sink, []core.Observation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sink == nil || d.detector == nil {
		return nil, nil
	}

	frame, err := d.source.Latest()
	if err != nil || frame.Empty() {
		return nil, nil
	}

	tags, err := d.detector.Detect(frame, Intrinsics{
		FieldOfView: d.cfg.FieldOfView * math.Pi / 180,
		TagSize:     d.cfg.TagSize,
	})
	if err != nil {
		d.logger.Warn("tag detection failed", "error", err)
		return nil, nil
	}

	batch := make([]core.Observation, 0, len(tags))
	for _, tag := range tags {
		batch = append(batch, core.Observation{
			ID:        tag.ID,
			Pose:      core.Pose{Position: tag.Position, Rotation: d.toEngine(tag.Rotation)},
			Timestamp: frame.Timestamp,
		})
	}
	return d.sink, batch
}

func (d *driver) toEngine(q quat.Number) quat.Number {
	if posemath.IsZero(q) {
		return q
	}
	if d.cfg.RightHanded {
		q = posemath.FromRightHanded(q)
	}
	return posemath.Mul(q, d.offset)
}

// Package replay plays a recorded detection log back through the backend
// contract, for machines with neither a camera nor a vendor tracker.
package replay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/OCAP2/markerpose/internal/backend"
	"github.com/OCAP2/markerpose/internal/parser"
	"github.com/OCAP2/markerpose/internal/timeutil"
	"github.com/OCAP2/markerpose/pkg/core"
)

// Config configures playback.
type Config struct {
	Path string `json:"path" yaml:"path" mapstructure:"path"`
	// Loop restarts playback after the last frame.
	Loop bool `json:"loop" yaml:"loop" mapstructure:"loop"`
	// Interval is the playback tick.
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
	// Speed scales recorded time; 2 plays twice as fast.
	Speed float64 `json:"speed" yaml:"speed" mapstructure:"speed" validate:"gt=0"`

	// Open overrides how the log is opened. Defaults to os.Open(Path).
	Open func() (io.ReadCloser, error) `json:"-" yaml:"-" mapstructure:"-"`
}

// DefaultConfig plays at recorded speed with a 60 Hz tick.
func DefaultConfig() Config {
	return Config{Interval: time.Second / 60, Speed: 1}
}

// Backend plays a detection log under the shared state machine.
type Backend struct {
	*backend.Base
	driver *driver
}

// New builds a replay backend.
func New(cfg Config, opts backend.Options) *Backend {
	opts.Kind = core.BackendReplay
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.Open == nil && cfg.Path != "" {
		path := cfg.Path
		cfg.Open = func() (io.ReadCloser, error) { return os.Open(path) }
	}
	logger = logger.With("backend", string(core.BackendReplay))
	d := &driver{
		cfg:    cfg,
		clock:  clock,
		parser: parser.NewParser(logger),
		logger: logger,
	}
	return &Backend{Base: backend.NewBase(d, opts), driver: d}
}

// Frames is the number of frames loaded by the last successful start.
func (b *Backend) Frames() int {
	b.driver.mu.Lock()
	defer b.driver.mu.Unlock()
	return len(b.driver.frames)
}

type driver struct {
	cfg    Config
	clock  timeutil.Clock
	parser *parser.Parser
	logger *slog.Logger

	mu     sync.Mutex
	frames []parser.Frame
	stop   chan struct{}
	wg     sync.WaitGroup
}

func (d *driver) SupportedOnPlatform() bool { return d.cfg.Open != nil }

func (d *driver) Acquire(ctx context.Context) error {
	if d.cfg.Open == nil {
		return fmt.Errorf("no detection log configured")
	}
	rc, err := d.cfg.Open()
	if err != nil {
		return fmt.Errorf("opening detection log: %w", err)
	}
	defer rc.Close()

	frames, err := d.parser.ParseLog(rc)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	d.frames = frames
	d.mu.Unlock()
	d.logger.Info("detection log loaded", "frames", len(frames), "duration", parser.Duration(frames))
	return nil
}

func (d *driver) Release(context.Context) error {
	d.mu.Lock()
	d.frames = nil
	d.mu.Unlock()
	return nil
}

func (d *driver) Attach(sink backend.Sink) {
	stop := make(chan struct{})
	d.mu.Lock()
	d.stop = stop
	frames := d.frames
	d.mu.Unlock()

	d.wg.Add(1)
	go d.play(sink, frames, stop)
}

func (d *driver) Detach() {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		d.wg.Wait()
	}
}

func (d *driver) play(sink backend.Sink, frames []parser.Frame, stop <-chan struct{}) {
	defer d.wg.Done()
	ticker := d.clock.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	step := time.Duration(float64(d.cfg.Interval) * d.cfg.Speed)
	var elapsed time.Duration
	next := 0
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C():
			elapsed += step
			for next < len(frames) && frames[next].Offset <= elapsed {
				batch := make([]core.Observation, len(frames[next].Batch))
				for i, o := range frames[next].Batch {
					o.Timestamp = now
					batch[i] = o
				}
				sink.Emit(batch)
				next++
			}
			if next == len(frames) {
				if !d.cfg.Loop {
					d.logger.Info("detection log finished")
					return
				}
				next, elapsed = 0, 0
			}
		}
	}
}

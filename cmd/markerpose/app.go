package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/OCAP2/markerpose/internal/api"
	"github.com/OCAP2/markerpose/internal/backend"
	"github.com/OCAP2/markerpose/internal/backend/camera"
	"github.com/OCAP2/markerpose/internal/backend/replay"
	"github.com/OCAP2/markerpose/internal/backend/vendor"
	"github.com/OCAP2/markerpose/internal/cache"
	"github.com/OCAP2/markerpose/internal/config"
	"github.com/OCAP2/markerpose/internal/dispatcher"
	"github.com/OCAP2/markerpose/internal/follower"
	"github.com/OCAP2/markerpose/internal/geo"
	"github.com/OCAP2/markerpose/internal/influx"
	"github.com/OCAP2/markerpose/internal/lifecycle"
	"github.com/OCAP2/markerpose/internal/logging"
	"github.com/OCAP2/markerpose/internal/monitor"
	"github.com/OCAP2/markerpose/internal/posemath"
	"github.com/OCAP2/markerpose/internal/recorder"
	"github.com/OCAP2/markerpose/internal/session"
	"github.com/OCAP2/markerpose/internal/storage"
	"github.com/OCAP2/markerpose/internal/timeutil"
	"github.com/OCAP2/markerpose/internal/transport/posestream"
	"github.com/OCAP2/markerpose/internal/util"
	"github.com/OCAP2/markerpose/pkg/core"
)

const stopTimeout = 5 * time.Second

// Resolution of the rendered camera test pattern.
const (
	patternWidth  = 640
	patternHeight = 480
)

// app wires one tracking session.
type app struct {
	settings config.Settings
	clock    timeutil.Clock
	start    time.Time

	slogs  *logging.SlogManager
	logger *slog.Logger
	zlog   zerolog.Logger
	closer []io.Closer

	sess     *session.Context
	disp     *dispatcher.Dispatcher
	store    storage.Backend
	influx   *influx.Manager
	stream   *posestream.Publisher
	poses    *cache.PoseCache
	bridge   *recorder.Bridge
	tracker  backend.Backend
	follower *follower.Follower
	monitor  *monitor.Service

	// cancels the simulated vendor feed
	stopFeed context.CancelFunc
}

// newApp builds every service. console is nil when a TUI owns the terminal.
func newApp(ctx context.Context, s config.Settings, console io.Writer) (*app, error) {
	a := &app{
		settings: s,
		clock:    timeutil.RealClock{},
		poses:    cache.NewPoseCache(),
		stopFeed: func() {},
	}
	a.start = a.clock.Now()
	id := uuid.New()

	kind, err := backend.Select(capabilities(s))
	if err != nil {
		return nil, err
	}

	if err := a.setupLogging(id, kind, console); err != nil {
		return nil, err
	}

	var anchor *core.Anchor
	if s.Anchor != "" {
		an, err := geo.AnchorFromString(s.Anchor)
		if err != nil {
			return nil, fmt.Errorf("parsing anchor: %w", err)
		}
		anchor = &an
	}

	a.disp, err = dispatcher.New(logging.NewDispatcherLogger(a.zlog))
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	a.sess, err = session.New(session.Options{
		ID:         id,
		Backend:    kind,
		Anchor:     anchor,
		Settings:   settingsSnapshot(s),
		Clock:      a.clock,
		Logger:     a.logger,
		Dispatcher: a.disp,
	})
	if err != nil {
		return nil, err
	}

	if err := a.setupStorage(); err != nil {
		a.sess.Close()
		return nil, err
	}
	a.setupInflux(ctx)
	if err := a.setupStream(); err != nil {
		a.shutdownSinks()
		return nil, err
	}

	deps := recorder.Dependencies{
		Storage: a.store,
		Cache:   a.poses,
		Logger:  a.zlog,
	}
	if a.influx != nil {
		deps.Influx = a.influx
	}
	if a.stream != nil {
		deps.Stream = a.stream
	}
	recorder.NewManager(deps).RegisterHandlers(a.disp)

	if err := a.setupTracking(ctx, kind); err != nil {
		a.stopFeed()
		a.shutdownSinks()
		return nil, err
	}

	a.setupMonitor(ctx)
	return a, nil
}

func (a *app) setupLogging(id uuid.UUID, kind core.BackendKind, console io.Writer) error {
	s := a.settings
	file, err := logging.OpenLogFile(s.LogsDir, appName, a.start)
	if err != nil {
		return err
	}
	a.closer = append(a.closer, file)

	a.slogs = logging.NewSlogManager()
	a.slogs.Setup(logging.SetupOptions{
		Level:   s.LogLevel,
		Console: console,
		File:    file,
		Context: logging.SessionContext(id, func() string { return string(kind) }),
	})
	a.logger = a.slogs.Logger()

	zopts := logging.ZerologOptions{
		Level:    s.LogLevel,
		Console:  console,
		File:     file,
		Facility: appName,
		Hook: func(e *zerolog.Event) {
			e.Str("session", id.String())
		},
	}
	if s.Graylog.Enabled {
		zopts.GraylogAddress = s.Graylog.Address
	}
	zlog, gelf, err := logging.NewZerolog(zopts)
	if err != nil {
		return err
	}
	a.zlog = zlog
	a.closer = append(a.closer, gelf)

	a.logger.Info("starting", "version", Version, "build", BuildDate, "backend", string(kind))
	return nil
}

func (a *app) setupStorage() error {
	cfg := a.settings.Storage
	if cfg.Type == "sqlite" && cfg.SQLite.Path == "" {
		cfg.SQLite.Path = filepath.Join(a.settings.LogsDir,
			fmt.Sprintf("%s_%s.db", appName, a.start.Format("20060102_150405")))
	}

	store, err := storage.NewBackend(cfg, a.settings.DB, a.zlog)
	if err != nil {
		return err
	}
	if err := store.Init(); err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	s := a.sess.Session()
	if err := store.StartSession(&s); err != nil {
		store.Close()
		return fmt.Errorf("failed to start storage session: %w", err)
	}
	a.store = store
	a.zlog.Info().Str("type", cfg.Type).Msg("storage backend initialized")
	return nil
}

func (a *app) setupInflux(ctx context.Context) {
	if !a.settings.Influx.Enabled {
		return
	}
	backup := filepath.Join(a.settings.LogsDir,
		fmt.Sprintf("influx_%s.lp.gz", a.start.Format("20060102_150405")))
	m := influx.NewManager(a.settings.Influx, a.zlog, backup)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.Connect(connectCtx); err != nil {
		a.zlog.Error().Err(err).Msg("InfluxDB disabled")
		return
	}
	a.influx = m
}

func (a *app) setupStream() error {
	cfg := a.settings.Stream
	if !cfg.Enabled {
		return nil
	}
	p := posestream.NewPublisher(posestream.Config{
		ListenAddr:   cfg.Address,
		Buffer:       cfg.Buffer,
		ClientBuffer: cfg.Buffer,
	}, a.zlog)
	if err := p.Start(); err != nil {
		return fmt.Errorf("starting pose stream: %w", err)
	}
	a.stream = p
	return nil
}

func (a *app) setupTracking(ctx context.Context, kind core.BackendKind) error {
	s := a.settings
	opts := backend.Options{
		Tracker: lifecycle.Config{
			TrackedIDs:  s.Backend.MarkerIDs,
			LossTimeout: s.Backend.LossTimeout,
		},
		Scheduler: a.sess.Loop,
		Clock:     a.clock,
		Logger:    a.logger,
		OnPermissionDenied: func(err error) {
			a.logger.Error("tracking permission denied", "error", err)
		},
	}

	switch kind {
	case core.BackendVendor:
		svc := vendor.NewSimulatedService(64)
		a.tracker = vendor.New(svc, vendor.Config{Settings: s.Backend.Vendor, Platform: true}, opts)

		feedCtx, cancel := context.WithCancel(ctx)
		a.stopFeed = cancel
		go svc.Run(feedCtx, a.clock, time.Second/time.Duration(s.FrameRate), simulatedMarkers(s.Backend.MarkerIDs), 0.002, a.start.UnixNano())
	case core.BackendCamera:
		src := camera.NewPatternSource(a.clock, patternWidth, patternHeight, s.Backend.MarkerIDs)
		a.tracker = camera.New(src, camera.NewPatternDetector, s.Backend.Camera, opts)
	case core.BackendReplay:
		a.tracker = replay.New(s.Backend.Replay, opts)
	default:
		return fmt.Errorf("backend %q is not available in this build: %w", kind, backend.ErrNoBackend)
	}
	a.sess.AddUpdater(a.tracker)

	a.follower = follower.New(s.Follower.Config, a.logger)
	if err := a.follower.Bind(a.tracker, s.Follower.MarkerID); err != nil {
		return err
	}

	a.bridge = recorder.NewBridge(a.disp, a.sess.ID, a.clock, a.zlog)
	return a.bridge.Attach(a.tracker, s.Backend.MarkerIDs, a.follower)
}

func (a *app) setupMonitor(ctx context.Context) {
	deps := monitor.Dependencies{
		SessionID:  a.sess.ID,
		Backend:    a.tracker,
		Loop:       a.sess.Loop,
		Dispatcher: a.disp,
		Storage:    a.store,
		Logger:     a.zlog,
		Clock:      a.clock,
	}
	if a.influx != nil {
		deps.Influx = a.influx
	}
	a.monitor = monitor.NewService(deps)
	if err := a.monitor.Start(a.settings.Monitor.Interval); err != nil {
		a.zlog.Error().Err(err).Msg("failed to start status monitor")
	}
	if addr := a.settings.Monitor.Address; addr != "" {
		go func() {
			if err := a.monitor.Serve(ctx, addr); err != nil {
				a.zlog.Error().Err(err).Str("addr", addr).Msg("status endpoint stopped")
			}
		}()
	}
}

// loop runs frames at the configured rate until ctx is done, then stops
// tracking and keeps framing until the stop completes so Removed reaches
// every subscriber.
func (a *app) loop(ctx context.Context) {
	ticker := a.clock.NewTicker(time.Second / time.Duration(a.settings.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.drainStop(ticker)
			return
		case <-ticker.C():
			a.sess.Frame()
		}
	}
}

func (a *app) drainStop(ticker timeutil.Ticker) {
	done := a.tracker.StopTracking()
	timeout := time.After(stopTimeout)
	for {
		select {
		case <-done:
			a.sess.Frame()
			return
		case <-timeout:
			a.logger.Warn("tracking did not stop in time")
			return
		case <-ticker.C():
			a.sess.Frame()
		}
	}
}

// shutdown tears everything down in dependency order and uploads the export
// when the storage backend produced one.
func (a *app) shutdown() {
	a.stopFeed()
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.bridge != nil {
		a.bridge.Detach()
	}
	if a.follower != nil {
		a.follower.Unbind()
	}

	a.shutdownSinks()
	a.upload()

	a.logger.Info("shutdown complete")
	for _, c := range a.closer {
		_ = c.Close()
	}
}

// shutdownSinks closes the session, which drains the dispatcher, and then
// every sink that was opened.
func (a *app) shutdownSinks() {
	s := a.sess.Close()

	if a.store != nil {
		if err := a.store.EndSession(s); err != nil {
			a.zlog.Error().Err(err).Msg("failed to end storage session")
		}
		if err := a.store.Close(); err != nil {
			a.zlog.Error().Err(err).Msg("failed to close storage backend")
		}
	}
	if a.stream != nil {
		a.stream.Stop()
	}
	if a.influx != nil {
		if err := a.influx.Close(); err != nil {
			a.zlog.Error().Err(err).Msg("failed to close InfluxDB client")
		}
	}
}

func (a *app) upload() {
	up, ok := a.store.(storage.Uploadable)
	if !ok || up.GetExportedFilePath() == "" {
		return
	}
	cfg := a.settings.API
	if cfg.ServerURL == "" || cfg.APIKey == "" {
		a.logger.Info("export written", "path", up.GetExportedFilePath())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client := api.New(cfg.ServerURL, cfg.APIKey)
	if err := client.Healthcheck(ctx); err != nil {
		a.logger.Warn("server unreachable, export kept locally", "error", err, "path", up.GetExportedFilePath())
		return
	}
	if err := client.Upload(ctx, up.GetExportedFilePath(), up.GetExportMetadata()); err != nil {
		a.logger.Error("upload failed", "error", err)
		return
	}
	a.logger.Info("export uploaded", "server", cfg.ServerURL)
}

// capabilities reports what this binary can drive. There is no native
// vendor tracker or camera linked in. The vendor slot is served by the
// simulated service when no replay log is configured, and the camera slot by
// a rendered test pattern when forced.
func capabilities(s config.Settings) backend.Capabilities {
	forced := core.BackendKind(s.Backend.Force)
	return backend.Capabilities{
		Vendor: forced == core.BackendVendor || s.Backend.Replay.Path == "",
		Camera: true,
		Replay: s.Backend.Replay.Path != "",
		Forced: forced,
	}
}

// simulatedMarkers lines the tracked markers up one metre in front of the
// origin, 20 cm apart.
func simulatedMarkers(ids []int) map[int]core.Pose {
	out := make(map[int]core.Pose, len(ids))
	for i, id := range ids {
		out[id] = core.Pose{
			Position: r3.Vec{X: 0.2 * float64(i), Z: 1},
			Rotation: posemath.Identity,
		}
	}
	return out
}

func settingsSnapshot(s config.Settings) map[string]any {
	return map[string]any{
		"frameRate":   s.FrameRate,
		"markerIds":   util.FormatIDList(s.Backend.MarkerIDs),
		"lossTimeout": s.Backend.LossTimeout.String(),
		"followed":    s.Follower.MarkerID,
		"window":      s.Follower.Window,
		"storage":     s.Storage.Type,
	}
}

func runTracking(ctx context.Context, s config.Settings) error {
	a, err := newApp(ctx, s, os.Stdout)
	if err != nil {
		return err
	}
	defer a.shutdown()

	a.sess.Loop.Post(a.tracker.StartTracking)
	a.loop(ctx)
	if errors.Is(ctx.Err(), context.Canceled) {
		a.logger.Info("interrupted")
	}
	return nil
}

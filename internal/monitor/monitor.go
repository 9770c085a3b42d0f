// Package monitor periodically reports recorder health and serves it over HTTP.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/OCAP2/markerpose/internal/backend"
	"github.com/OCAP2/markerpose/internal/influx"
	"github.com/OCAP2/markerpose/internal/model"
	"github.com/OCAP2/markerpose/internal/storage"
	"github.com/OCAP2/markerpose/internal/timeutil"
	"github.com/OCAP2/markerpose/pkg/core"
)

// BackendInfo is the part of a tracking backend the report reads.
// Its methods are only called on the main context.
type BackendInfo interface {
	Kind() core.BackendKind
	State() backend.State
	Active() []int
}

// Loop is the main and worker scheduler.
type Loop interface {
	Post(fn func())
	RunOnWorker(fn func(ctx context.Context)) bool
	Pending() int
	WorkerPending() int
}

// DropCounter reports events dropped by buffered handlers.
type DropCounter interface {
	Dropped() uint64
}

// PointWriter receives the influx status point.
type PointWriter interface {
	WritePoint(bucket string, point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	SessionID  uuid.UUID
	Backend    BackendInfo
	Loop       Loop
	Dispatcher DropCounter     // optional
	Storage    storage.Backend // optional
	Influx     PointWriter     // optional
	Logger     zerolog.Logger
	Clock      timeutil.Clock
}

// Status is one health report.
type Status struct {
	Time          time.Time `json:"time"`
	SessionID     string    `json:"sessionId"`
	Backend       string    `json:"backend"`
	State         string    `json:"state"`
	ActiveMarkers []int     `json:"activeMarkers"`
	MainQueue     int       `json:"mainQueue"`
	WorkerQueue   int       `json:"workerQueue"`
	Dropped       uint64    `json:"dropped"`
	PendingWrites int       `json:"pendingWrites"`
	LastWriteMs   float64   `json:"lastWriteMs"`
}

// Service manages status monitoring
type Service struct {
	deps Dependencies

	mu        sync.RWMutex
	status    Status
	isRunning bool
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	return &Service{deps: deps}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Refresh builds a new report and keeps it for Status and Handler.
// It must run on the main context.
func (s *Service) Refresh() Status {
	st := Status{
		Time:          s.deps.Clock.Now(),
		SessionID:     s.deps.SessionID.String(),
		ActiveMarkers: []int{},
	}
	if b := s.deps.Backend; b != nil {
		st.Backend = string(b.Kind())
		st.State = b.State().String()
		st.ActiveMarkers = slices.Clone(b.Active())
	}
	if l := s.deps.Loop; l != nil {
		st.MainQueue = l.Pending()
		st.WorkerQueue = l.WorkerPending()
	}
	if d := s.deps.Dispatcher; d != nil {
		st.Dropped = d.Dropped()
	}
	if ws, ok := s.deps.Storage.(storage.WriteStats); ok {
		st.PendingWrites = ws.Pending()
		st.LastWriteMs = float64(ws.LastWriteDuration().Microseconds()) / 1000
	}

	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	return st
}

// Status is the last report built by Refresh.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// StatusPoint builds the influx "recorder" measurement for a report.
func StatusPoint(st Status) *influxdb2_write.Point {
	return influxdb2.NewPoint("recorder",
		map[string]string{
			"session": st.SessionID,
			"backend": st.Backend,
			"state":   st.State,
		},
		map[string]interface{}{
			"activeMarkers": len(st.ActiveMarkers),
			"mainQueue":     st.MainQueue,
			"workerQueue":   st.WorkerQueue,
			"dropped":       int64(st.Dropped),
			"pendingWrites": st.PendingWrites,
			"lastWriteMs":   st.LastWriteMs,
		},
		st.Time,
	)
}

// Report logs a report and forwards it to influx and storage when configured.
// It may block and should run on the worker.
func (s *Service) Report(st Status) {
	log := s.deps.Logger
	log.Info().
		Str("backend", st.Backend).
		Str("state", st.State).
		Ints("active", st.ActiveMarkers).
		Int("mainQueue", st.MainQueue).
		Int("workerQueue", st.WorkerQueue).
		Uint64("dropped", st.Dropped).
		Int("pendingWrites", st.PendingWrites).
		Float64("lastWriteMs", st.LastWriteMs).
		Msg("Status")

	if s.deps.Influx != nil {
		if err := s.deps.Influx.WritePoint(influx.BucketStatus, StatusPoint(st)); err != nil {
			log.Error().Err(err).Msg("Error writing status point")
		}
	}

	if pr, ok := s.deps.Storage.(storage.PerformanceRecorder); ok {
		perf := model.RecorderPerformance{
			Time: st.Time,
			Queues: model.QueueLengths{
				Main:   uint16(st.MainQueue),
				Worker: uint16(st.WorkerQueue),
			},
			ActiveMarkers:       uint16(len(st.ActiveMarkers)),
			Dropped:             st.Dropped,
			LastWriteDurationMs: float32(st.LastWriteMs),
		}
		if err := pr.RecordPerformance(perf); err != nil {
			log.Debug().Err(err).Msg("Error writing recorder performance")
		}
	}
}

// Start refreshes and reports every interval: the refresh is posted to the
// main context and the report handed to the worker.
func (s *Service) Start(interval time.Duration) error {
	if interval <= 0 {
		return errors.New("monitor interval must be positive")
	}
	if s.deps.Loop == nil {
		return errors.New("monitor needs a loop")
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	ticker := s.deps.Clock.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				s.deps.Loop.Post(func() {
					st := s.Refresh()
					s.deps.Loop.RunOnWorker(func(context.Context) { s.Report(st) })
				})
			}
		}
	}()
	return nil
}

// Stop stops the status monitor
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}

// Handler serves the last report as JSON.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := json.Marshal(s.Status())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	})
}

// Serve exposes Handler on addr at /status until ctx is done.
func (s *Service) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/status", s.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

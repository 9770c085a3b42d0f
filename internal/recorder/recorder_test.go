package recorder

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/OCAP2/markerpose/internal/cache"
	"github.com/OCAP2/markerpose/internal/dispatcher"
	"github.com/OCAP2/markerpose/internal/follower"
	"github.com/OCAP2/markerpose/internal/lifecycle"
	"github.com/OCAP2/markerpose/internal/timeutil"
	"github.com/OCAP2/markerpose/pkg/core"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// mockLogger implements dispatcher.Logger for testing
type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *mockLogger) Debug(msg string, keysAndValues ...any) { l.add(msg) }
func (l *mockLogger) Info(msg string, keysAndValues ...any)  { l.add(msg) }
func (l *mockLogger) Error(msg string, keysAndValues ...any) { l.add(msg) }

func (l *mockLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *mockLogger) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if m == msg {
			return true
		}
	}
	return false
}

// mockBackend implements storage.Backend for testing
type mockBackend struct {
	mu sync.Mutex

	lifecycle     []core.LifecycleEvent
	poses         []core.PoseSample
	calibrations  []core.CalibrationResult
	poseErr       error
	lifecycleGate chan struct{}
}

func (b *mockBackend) Init() error                      { return nil }
func (b *mockBackend) Close() error                     { return nil }
func (b *mockBackend) StartSession(*core.Session) error { return nil }
func (b *mockBackend) EndSession(core.Session) error    { return nil }

func (b *mockBackend) RecordLifecycle(e *core.LifecycleEvent) error {
	if b.lifecycleGate != nil {
		<-b.lifecycleGate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lifecycle = append(b.lifecycle, *e)
	return nil
}

func (b *mockBackend) RecordPose(s *core.PoseSample) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.poseErr != nil {
		return b.poseErr
	}
	b.poses = append(b.poses, *s)
	return nil
}

func (b *mockBackend) RecordCalibration(c *core.CalibrationResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calibrations = append(b.calibrations, *c)
	return nil
}

type mockInflux struct {
	mu    sync.Mutex
	poses []core.PoseSample
}

func (m *mockInflux) WritePose(s core.PoseSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poses = append(m.poses, s)
	return nil
}

type mockStream struct {
	mu    sync.Mutex
	poses []core.PoseSample
}

func (m *mockStream) Publish(s core.PoseSample) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poses = append(m.poses, s)
	return true
}

type fixture struct {
	d       *dispatcher.Dispatcher
	log     *mockLogger
	backend *mockBackend
	influx  *mockInflux
	stream  *mockStream
	cache   *cache.PoseCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		log:     &mockLogger{},
		backend: &mockBackend{},
		influx:  &mockInflux{},
		stream:  &mockStream{},
		cache:   cache.NewPoseCache(),
	}
	d, err := dispatcher.New(f.log)
	require.NoError(t, err)
	f.d = d

	m := NewManager(Dependencies{
		Storage: f.backend,
		Influx:  f.influx,
		Stream:  f.stream,
		Cache:   f.cache,
		Logger:  zerolog.Nop(),
	})
	m.RegisterHandlers(d)
	t.Cleanup(d.Close)
	return f
}

func pose(id int, x float64) core.PoseSample {
	return core.PoseSample{
		Time:     epoch,
		MarkerID: id,
		Pose:     core.Pose{Position: r3.Vec{X: x}, Rotation: quat.Number{Real: 1}},
	}
}

func TestRegisterHandlers(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{CmdCalibration, CmdLifecycle, CmdPose}, f.d.Commands())

	stats := f.d.Stats()
	assert.Equal(t, DefaultPoseBuffer, stats[CmdPose].Capacity)
	assert.Equal(t, DefaultLifecycleBuffer, stats[CmdLifecycle].Capacity)
	_, buffered := stats[CmdCalibration]
	assert.False(t, buffered)
}

func TestHandlePose_FansOut(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Dispatch(dispatcher.Event{Command: CmdPose, Payload: pose(7, 1)})
	require.NoError(t, err)
	f.d.Close()

	require.Len(t, f.backend.poses, 1)
	assert.Equal(t, 7, f.backend.poses[0].MarkerID)
	assert.Len(t, f.influx.poses, 1)
	assert.Len(t, f.stream.poses, 1)

	cached, ok := f.cache.Get(7)
	require.True(t, ok)
	assert.Equal(t, 1.0, cached.Pose.Position.X)
}

func TestHandlePose_StorageErrorIsLogged(t *testing.T) {
	f := newFixture(t)
	f.backend.poseErr = errors.New("disk full")

	_, err := f.d.Dispatch(dispatcher.Event{Command: CmdPose, Payload: pose(7, 1)})
	require.NoError(t, err)
	f.d.Close()

	assert.True(t, f.log.has("buffered handler failed"))
	assert.Len(t, f.influx.poses, 1, "other sinks still receive the pose")
}

func TestHandleLifecycle_RemovedClearsCache(t *testing.T) {
	f := newFixture(t)
	f.cache.Set(pose(3, 1))

	_, err := f.d.Dispatch(dispatcher.Event{
		Command: CmdLifecycle,
		Payload: core.LifecycleEvent{MarkerID: 3, Kind: core.EventRemoved, Time: epoch},
	})
	require.NoError(t, err)
	f.d.Close()

	_, ok := f.cache.Get(3)
	assert.False(t, ok)
	require.Len(t, f.backend.lifecycle, 1)
	assert.Equal(t, core.EventRemoved, f.backend.lifecycle[0].Kind)
}

func TestHandleCalibration_Sync(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Dispatch(dispatcher.Event{
		Command: CmdCalibration,
		Payload: core.CalibrationResult{MarkerID: 2, Steps: 200, Time: epoch},
	})
	require.NoError(t, err)

	require.Len(t, f.backend.calibrations, 1)
	assert.Equal(t, 200, f.backend.calibrations[0].Steps)
}

func TestHandlers_RejectWrongPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Dispatch(dispatcher.Event{Command: CmdCalibration, Payload: "nope"})
	assert.ErrorIs(t, err, ErrUnexpectedPayload)
}

func TestManager_WithoutStorage(t *testing.T) {
	d, err := dispatcher.New(&mockLogger{})
	require.NoError(t, err)
	c := cache.NewPoseCache()
	NewManager(Dependencies{Cache: c, Logger: zerolog.Nop()}).RegisterHandlers(d)

	_, err = d.Dispatch(dispatcher.Event{Command: CmdPose, Payload: pose(1, 2)})
	require.NoError(t, err)
	_, err = d.Dispatch(dispatcher.Event{Command: CmdCalibration, Payload: core.CalibrationResult{}})
	require.NoError(t, err)
	d.Close()

	assert.Equal(t, 1, c.Len())
}

func TestBridge_AttachForwardsLifecycleAndPoses(t *testing.T) {
	f := newFixture(t)
	clock := timeutil.NewMockClock(epoch)
	tr := lifecycle.NewTracker(lifecycle.Config{TrackedIDs: []int{7}, LossTimeout: time.Second}, clock, nil)

	fol := follower.New(follower.Config{Window: 1}, nil)
	require.NoError(t, fol.Bind(tr, 7))

	session := uuid.New()
	b := NewBridge(f.d, session, clock, zerolog.Nop())
	require.NoError(t, b.Attach(tr, []int{7}, fol))

	tr.Process([]core.Observation{{
		ID:        7,
		Pose:      core.Pose{Position: r3.Vec{X: 2}, Rotation: quat.Number{Real: 1}},
		Timestamp: epoch,
	}})
	tr.RemoveAll()
	b.Calibration(core.CalibrationResult{MarkerID: 7, Steps: 1})
	f.d.Close()

	require.Len(t, f.backend.lifecycle, 2)
	assert.Equal(t, core.EventAdded, f.backend.lifecycle[0].Kind)
	assert.Equal(t, core.EventRemoved, f.backend.lifecycle[1].Kind)
	assert.Equal(t, session, f.backend.lifecycle[0].SessionID)

	require.Len(t, f.backend.poses, 1)
	assert.Equal(t, session, f.backend.poses[0].SessionID)
	assert.Equal(t, 2.0, f.backend.poses[0].Raw.Position.X)

	require.Len(t, f.backend.calibrations, 1)
	assert.Equal(t, session, f.backend.calibrations[0].SessionID)
}

func TestBridge_AttachUnknownMarkerRollsBack(t *testing.T) {
	f := newFixture(t)
	tr := lifecycle.NewTracker(lifecycle.Config{TrackedIDs: []int{1}}, timeutil.NewMockClock(epoch), nil)
	b := NewBridge(f.d, uuid.New(), nil, zerolog.Nop())

	err := b.Attach(tr, []int{1, 9}, nil)
	require.ErrorIs(t, err, lifecycle.ErrUnconfiguredMarker)

	slots, err := tr.Callbacks(1)
	require.NoError(t, err)
	assert.Equal(t, 0, slots.Subscribers())
}

func TestBridge_Detach(t *testing.T) {
	f := newFixture(t)
	tr := lifecycle.NewTracker(lifecycle.Config{TrackedIDs: []int{1}}, timeutil.NewMockClock(epoch), nil)
	b := NewBridge(f.d, uuid.New(), nil, zerolog.Nop())
	require.NoError(t, b.Attach(tr, []int{1}, nil))

	slots, _ := tr.Callbacks(1)
	assert.Equal(t, 2, slots.Subscribers())
	b.Detach()
	assert.Equal(t, 0, slots.Subscribers())
}

func TestBridge_DispatchAfterCloseIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.d.Close()

	b := NewBridge(f.d, uuid.New(), nil, zerolog.Nop())
	b.pose(pose(1, 1))

	assert.Empty(t, f.backend.poses)
}

func TestBridge_StalledStorageDoesNotBlockLifecycle(t *testing.T) {
	gate := make(chan struct{})
	backend := &mockBackend{lifecycleGate: gate}
	d, err := dispatcher.New(&mockLogger{})
	require.NoError(t, err)
	NewManager(Dependencies{
		Storage:         backend,
		Cache:           cache.NewPoseCache(),
		Logger:          zerolog.Nop(),
		LifecycleBuffer: 1,
	}).RegisterHandlers(d)

	b := NewBridge(d, uuid.New(), timeutil.NewMockClock(epoch), zerolog.Nop())

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		for i := 0; i < 5; i++ {
			b.lifecycle(1, core.EventAdded)
			b.lifecycle(1, core.EventRemoved)
		}
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		close(gate)
		t.Fatal("lifecycle dispatch blocked on a stalled sink")
	}

	assert.GreaterOrEqual(t, d.Stats()[CmdLifecycle].Dropped, uint64(8))

	close(gate)
	d.Close()
	assert.LessOrEqual(t, len(backend.lifecycle), 2)
}

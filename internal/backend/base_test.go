package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"

	"github.com/OCAP2/markerpose/internal/lifecycle"
	"github.com/OCAP2/markerpose/internal/timeutil"
	"github.com/OCAP2/markerpose/pkg/core"
)

// manualScheduler runs main and worker closures only when the test asks.
type manualScheduler struct {
	main   []func()
	worker []func(context.Context)
}

func (s *manualScheduler) Post(fn func()) { s.main = append(s.main, fn) }

func (s *manualScheduler) RunOnWorker(fn func(context.Context)) bool {
	s.worker = append(s.worker, fn)
	return true
}

func (s *manualScheduler) runWorker() {
	for len(s.worker) > 0 {
		fn := s.worker[0]
		s.worker = s.worker[1:]
		fn(context.Background())
	}
}

func (s *manualScheduler) drain() {
	fns := s.main
	s.main = nil
	for _, fn := range fns {
		fn()
	}
}

// settle runs worker and main queues until both are empty.
func (s *manualScheduler) settle() {
	for len(s.main) > 0 || len(s.worker) > 0 {
		s.runWorker()
		s.drain()
	}
}

type fakeDriver struct {
	acquireErr error
	attempts   int
	acquired   int
	released   int
	attached   int
	detached   int
	lateCalls  int
	sink       Sink
}

func (d *fakeDriver) Acquire(context.Context) error {
	d.attempts++
	if d.acquireErr != nil {
		return d.acquireErr
	}
	d.acquired++
	return nil
}

func (d *fakeDriver) Release(context.Context) error {
	if d.acquired > d.released {
		d.released++
	}
	return nil
}

func (d *fakeDriver) Attach(s Sink) { d.attached++; d.sink = s }
func (d *fakeDriver) Detach()       { d.detached++ }
func (d *fakeDriver) LateUpdate()   { d.lateCalls++ }

type events struct{ log []string }

func (e *events) attach(t *testing.T, b *Base, id int) {
	t.Helper()
	s, err := b.Callbacks(id)
	require.NoError(t, err)
	s.OnAdded(func(id int) { e.log = append(e.log, fmt.Sprintf("added:%d", id)) })
	s.OnUpdated(func(o core.Observation) { e.log = append(e.log, fmt.Sprintf("updated:%d", o.ID)) })
	s.OnRemoved(func(id int) { e.log = append(e.log, fmt.Sprintf("removed:%d", id)) })
}

func valid(id int) []core.Observation {
	return []core.Observation{{ID: id, Pose: core.Pose{Rotation: quat.Number{Real: 1}}}}
}

func newTestBase(t *testing.T, d *fakeDriver) (*Base, *manualScheduler, *events) {
	t.Helper()
	sched := &manualScheduler{}
	b := NewBase(d, Options{
		Kind:      core.BackendCamera,
		Tracker:   lifecycle.Config{TrackedIDs: []int{5}, LossTimeout: time.Second},
		Scheduler: sched,
		Clock:     timeutil.NewMockClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
	})
	ev := &events{}
	ev.attach(t, b, 5)
	return b, sched, ev
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestBase_StartTwiceAcquiresOnce(t *testing.T) {
	d := &fakeDriver{}
	b, sched, _ := newTestBase(t, d)

	b.StartTracking()
	b.StartTracking()
	assert.Equal(t, Starting, b.State())
	sched.settle()
	b.StartTracking()
	sched.settle()

	assert.Equal(t, Running, b.State())
	assert.Equal(t, 1, d.acquired)
	assert.Equal(t, 1, d.attached)
}

func TestBase_EmitReachesTrackerOnDrain(t *testing.T) {
	d := &fakeDriver{}
	b, sched, ev := newTestBase(t, d)
	b.StartTracking()
	sched.settle()

	d.sink.Emit(valid(5))
	assert.Empty(t, ev.log)
	sched.drain()

	assert.Equal(t, []string{"added:5", "updated:5"}, ev.log)
	assert.Equal(t, []int{5}, b.Active())
}

func TestBase_StopFiresRemovedBeforeDone(t *testing.T) {
	d := &fakeDriver{}
	b, sched, ev := newTestBase(t, d)
	b.StartTracking()
	sched.settle()
	d.sink.Deliver(valid(5))
	ev.log = nil

	done := b.StopTracking()
	assert.Equal(t, Stopping, b.State())
	assert.False(t, isClosed(done))

	removedBeforeDone := false
	s, _ := b.Callbacks(5)
	s.OnRemoved(func(int) { removedBeforeDone = !isClosed(done) })

	sched.settle()

	assert.True(t, isClosed(done))
	assert.True(t, removedBeforeDone)
	assert.Equal(t, []string{"removed:5"}, ev.log)
	assert.Equal(t, Stopped, b.State())
	assert.Equal(t, 1, d.detached)
	assert.Equal(t, 1, d.released)
}

func TestBase_StopWhileStartingDiscardsLateCompletion(t *testing.T) {
	d := &fakeDriver{}
	b, sched, _ := newTestBase(t, d)

	b.StartTracking()
	done := b.StopTracking()
	sched.settle()

	assert.True(t, isClosed(done))
	assert.Equal(t, Stopped, b.State())
	assert.Equal(t, 1, d.acquired)
	assert.Equal(t, 1, d.released)
	assert.Equal(t, 0, d.attached)
}

func TestBase_RestartOrdersRemovedBeforeAdded(t *testing.T) {
	d := &fakeDriver{}
	b, sched, ev := newTestBase(t, d)
	b.StartTracking()
	sched.settle()
	d.sink.Deliver(valid(5))
	oldSink := d.sink
	ev.log = nil

	b.StopTracking()
	b.StartTracking()
	// A batch from the old producer arrives late.
	oldSink.Emit(valid(5))
	sched.settle()
	d.sink.Emit(valid(5))
	sched.settle()

	assert.Equal(t, []string{"removed:5", "added:5", "updated:5"}, ev.log)
	assert.Equal(t, Running, b.State())
	assert.Equal(t, 2, d.acquired)
	assert.Equal(t, 1, d.released)
}

func TestBase_PermissionDeniedIsTerminal(t *testing.T) {
	d := &fakeDriver{acquireErr: fmt.Errorf("request: %w", ErrPermissionDenied)}
	sched := &manualScheduler{}
	var reported error
	b := NewBase(d, Options{
		Kind:               core.BackendVendor,
		Scheduler:          sched,
		OnPermissionDenied: func(err error) { reported = err },
	})

	b.StartTracking()
	sched.settle()

	assert.Equal(t, Denied, b.State())
	assert.ErrorIs(t, reported, ErrPermissionDenied)
	assert.False(t, b.SupportedOnPlatform())

	d.acquireErr = nil
	b.StartTracking()
	sched.settle()
	assert.Equal(t, Denied, b.State())
	assert.Equal(t, 0, d.acquired)

	assert.True(t, isClosed(b.StopTracking()))
}

func TestBase_DenialDuringStopIsKept(t *testing.T) {
	d := &fakeDriver{acquireErr: ErrPermissionDenied}
	sched := &manualScheduler{}
	denials := 0
	b := NewBase(d, Options{
		Kind:               core.BackendVendor,
		Scheduler:          sched,
		OnPermissionDenied: func(error) { denials++ },
	})

	b.StartTracking()
	done := b.StopTracking()
	sched.settle()

	assert.True(t, isClosed(done))
	assert.Equal(t, Denied, b.State())
	assert.False(t, b.SupportedOnPlatform())
	assert.Equal(t, 1, denials)

	b.StartTracking()
	assert.Empty(t, sched.worker)
	sched.settle()

	assert.Equal(t, Denied, b.State())
	assert.Equal(t, 1, d.attempts)
}

func TestBase_DenialAfterRestartReleasesLateAcquire(t *testing.T) {
	d := &fakeDriver{acquireErr: ErrPermissionDenied}
	sched := &manualScheduler{}
	b := NewBase(d, Options{Kind: core.BackendVendor, Scheduler: sched})

	b.StartTracking()
	b.StopTracking()
	b.StartTracking()

	// The first Acquire is denied, the second succeeds.
	first := sched.worker[0]
	sched.worker = sched.worker[1:]
	first(context.Background())
	d.acquireErr = nil
	sched.settle()

	assert.Equal(t, Denied, b.State())
	assert.Equal(t, 0, d.attached)
	assert.Equal(t, d.acquired, d.released)
}

func TestBase_ResourceErrorAllowsRetry(t *testing.T) {
	d := &fakeDriver{acquireErr: errors.New("camera busy")}
	b, sched, _ := newTestBase(t, d)

	b.StartTracking()
	sched.settle()
	assert.Equal(t, Stopped, b.State())
	assert.True(t, b.SupportedOnPlatform())

	d.acquireErr = nil
	b.StartTracking()
	sched.settle()
	assert.Equal(t, Running, b.State())
}

func TestBase_StopWhenStoppedIsNoop(t *testing.T) {
	d := &fakeDriver{}
	b, sched, _ := newTestBase(t, d)

	done := b.StopTracking()
	assert.True(t, isClosed(done))
	assert.Empty(t, sched.worker)
	assert.Equal(t, 0, d.detached)
}

func TestBase_SecondStopSharesCompletion(t *testing.T) {
	d := &fakeDriver{}
	b, sched, _ := newTestBase(t, d)
	b.StartTracking()
	sched.settle()

	first := b.StopTracking()
	second := b.StopTracking()
	assert.Equal(t, first, second)
	sched.settle()
	assert.True(t, isClosed(first))
	assert.Equal(t, 1, d.released)
}

func TestBase_UpdateRunsLateUpdateOnlyWhenRunning(t *testing.T) {
	d := &fakeDriver{}
	b, sched, _ := newTestBase(t, d)

	b.Update()
	assert.Equal(t, 0, d.lateCalls)

	b.StartTracking()
	sched.settle()
	b.Update()
	assert.Equal(t, 1, d.lateCalls)
}

func TestBase_UnconfiguredCallbacks(t *testing.T) {
	b, _, _ := newTestBase(t, &fakeDriver{})
	_, err := b.Callbacks(42)
	assert.ErrorIs(t, err, ErrUnconfiguredMarker)
	assert.Equal(t, core.BackendCamera, b.Kind())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "denied", Denied.String())
	assert.Equal(t, "unknown", State(99).String())
}

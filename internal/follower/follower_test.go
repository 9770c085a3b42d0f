package follower

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/OCAP2/markerpose/internal/lifecycle"
	"github.com/OCAP2/markerpose/internal/posemath"
	"github.com/OCAP2/markerpose/internal/timeutil"
	"github.com/OCAP2/markerpose/pkg/core"
)

var (
	epoch  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	approx = cmpopts.EquateApprox(0, 1e-9)
)

func noOffset() Config {
	cfg := DefaultConfig()
	cfg.OffsetEuler = r3.Vec{}
	return cfg
}

func at(id int, x float64) core.Observation {
	return core.Observation{
		ID:        id,
		Pose:      core.Pose{Position: r3.Vec{X: x}, Rotation: posemath.Identity},
		Timestamp: epoch,
	}
}

func setup(t *testing.T, cfg Config) (*Follower, *lifecycle.Tracker, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	tr := lifecycle.NewTracker(lifecycle.Config{TrackedIDs: []int{7}, LossTimeout: time.Second}, clock, nil)
	f := New(cfg, nil)
	require.NoError(t, f.Bind(tr, 7))
	return f, tr, clock
}

func TestFollower_StateTransitions(t *testing.T) {
	f, tr, clock := setup(t, noOffset())
	assert.Equal(t, Searching, f.State())
	assert.False(t, f.Visible())

	tr.Process([]core.Observation{at(7, 1)})
	assert.Equal(t, Tracking, f.State())
	assert.True(t, f.Visible())

	clock.Advance(1500 * time.Millisecond)
	tr.Tick()
	clock.Advance(1500 * time.Millisecond)
	tr.Tick()
	assert.False(t, tr.IsActive(7))
	assert.Equal(t, Searching, f.State())
	assert.False(t, f.Visible())

	f.Unbind()
	assert.Equal(t, Idle, f.State())
}

func TestFollower_BindUnknownMarker(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	tr := lifecycle.NewTracker(lifecycle.Config{TrackedIDs: []int{7}}, clock, nil)
	f := New(DefaultConfig(), nil)

	err := f.Bind(tr, 99)
	require.ErrorIs(t, err, lifecycle.ErrUnconfiguredMarker)
	assert.Equal(t, Idle, f.State())
}

func TestFollower_BindTwice(t *testing.T) {
	f, tr, _ := setup(t, noOffset())
	require.ErrorIs(t, f.Bind(tr, 7), ErrAlreadyBound)
}

func TestFollower_UnbindDetachesHandlers(t *testing.T) {
	f, tr, _ := setup(t, noOffset())
	slots, err := tr.Callbacks(7)
	require.NoError(t, err)
	assert.Equal(t, 3, slots.Subscribers())

	f.Unbind()
	assert.Equal(t, 0, slots.Subscribers())

	tr.Process([]core.Observation{at(7, 1)})
	assert.Equal(t, Idle, f.State())
	assert.Equal(t, core.IdentityPose, f.Pose())
}

func TestFollower_AppliesRotationOffset(t *testing.T) {
	f, tr, _ := setup(t, DefaultConfig())

	tr.Process([]core.Observation{at(7, 0)})

	want := posemath.Euler(0, 180, 0)
	assert.True(t, cmp.Equal(want, f.Pose().Rotation, approx), "got %v", f.Pose().Rotation)
}

func TestFollower_LowPassSuppressesJitter(t *testing.T) {
	cfg := noOffset()
	cfg.Window = 2
	f, tr, _ := setup(t, cfg)

	tr.Process([]core.Observation{at(7, 1)})
	tr.Process([]core.Observation{at(7, 1.001)})

	// the second sample snaps to the first, so the window holds two equal positions
	assert.True(t, cmp.Equal(r3.Vec{X: 1}, f.Pose().Position, approx), "got %v", f.Pose().Position)
}

func TestFollower_AveragesOverWindow(t *testing.T) {
	cfg := noOffset()
	cfg.Window = 2
	f, tr, _ := setup(t, cfg)

	var samples []core.PoseSample
	f.OnPoseUpdated(func(s core.PoseSample) { samples = append(samples, s) })

	tr.Process([]core.Observation{at(7, 0)})
	tr.Process([]core.Observation{at(7, 1)})
	tr.Process([]core.Observation{at(7, 3)})

	require.Len(t, samples, 3)
	assert.InDelta(t, 0, samples[0].Pose.Position.X, 1e-9)
	assert.InDelta(t, 0.5, samples[1].Pose.Position.X, 1e-9)
	assert.InDelta(t, 2, samples[2].Pose.Position.X, 1e-9)
	assert.Equal(t, 7, samples[2].MarkerID)
	assert.Equal(t, 3.0, samples[2].Raw.Position.X)
}

func TestFollower_AddedResetsSmoothing(t *testing.T) {
	cfg := noOffset()
	cfg.Window = 5
	f, tr, clock := setup(t, cfg)

	tr.Process([]core.Observation{at(7, 10)})
	tr.RemoveAll()
	clock.Advance(time.Second)

	tr.Process([]core.Observation{at(7, 0)})
	assert.InDelta(t, 0, f.Pose().Position.X, 1e-9)
}

func TestFollower_KeepVisible(t *testing.T) {
	cfg := noOffset()
	cfg.KeepVisible = true
	f, tr, _ := setup(t, cfg)

	tr.Process([]core.Observation{at(7, 4)})
	tr.RemoveAll()

	assert.Equal(t, Searching, f.State())
	assert.True(t, f.Visible())
	assert.InDelta(t, 4, f.Pose().Position.X, 1e-9)
}

func TestNew_ClampsWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 0
	assert.Equal(t, MinWindow, New(cfg, nil).Config().Window)

	cfg.Window = 500
	assert.Equal(t, MaxWindow, New(cfg, nil).Config().Window)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "searching", Searching.String())
	assert.Equal(t, "tracking", Tracking.String())
	assert.Equal(t, "unknown", State(9).String())
}

package smoothing

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/OCAP2/markerpose/internal/posemath"
	"github.com/OCAP2/markerpose/pkg/core"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestLowPass_SnapsSmallMovement(t *testing.T) {
	old := r3.Vec{}
	pos, _ := LowPass(old, posemath.Identity, r3.Vec{X: 0.001}, posemath.Identity, 0.005, 2)
	assert.Equal(t, old, pos)
}

func TestLowPass_PassesLargeMovement(t *testing.T) {
	next := r3.Vec{X: 1}
	pos, _ := LowPass(r3.Vec{}, posemath.Identity, next, posemath.Identity, 0.005, 2)
	assert.Equal(t, next, pos)
}

func TestLowPass_Rotation(t *testing.T) {
	oldRot := posemath.AngleAxis(10, posemath.Up)

	tests := []struct {
		name   string
		newRot quat.Number
		want   quat.Number
	}{
		{"below threshold", posemath.AngleAxis(11, posemath.Up), oldRot},
		{"above threshold", posemath.AngleAxis(15, posemath.Up), posemath.AngleAxis(15, posemath.Up)},
		{"same rotation other sign", posemath.Negate(oldRot), oldRot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rot := LowPass(r3.Vec{}, oldRot, r3.Vec{}, tt.newRot, 0.005, 2)
			assert.Equal(t, tt.want, rot)
		})
	}
}

func TestLowPass_ZeroThresholdPassesEverything(t *testing.T) {
	next := r3.Vec{X: 1e-6}
	nextRot := posemath.AngleAxis(0.5, posemath.Forward)
	pos, rot := LowPass(r3.Vec{}, posemath.Identity, next, nextRot, 0, 0)
	assert.Equal(t, next, pos)
	assert.Equal(t, nextRot, rot)
}

func TestAverager_WindowOneReturnsSample(t *testing.T) {
	a := NewAverager(1)
	for i := 0; i < 5; i++ {
		p := r3.Vec{X: float64(i), Y: 2, Z: -1}
		q := posemath.Euler(float64(i)*7, 3, 1)
		got := a.Add(p, q)
		assert.Equal(t, core.Pose{Position: p, Rotation: q}, got)
	}
	assert.Equal(t, 1, a.Len())
}

func TestAverager_PositionIsMeanOfWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const window = 4
	a := NewAverager(window)

	var history []r3.Vec
	for i := 0; i < 20; i++ {
		p := r3.Vec{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
		history = append(history, p)
		got := a.Add(p, posemath.Identity)

		start := max(0, len(history)-window)
		var sum r3.Vec
		for _, h := range history[start:] {
			sum = r3.Add(sum, h)
		}
		want := r3.Scale(1/float64(len(history)-start), sum)
		if diff := cmp.Diff(want, got.Position, approx); diff != "" {
			t.Fatalf("sample %d mismatch (-want +got):\n%s", i, diff)
		}
		assert.LessOrEqual(t, a.Len(), window)
	}
}

func TestAverager_RotationMeanOfNearbySamples(t *testing.T) {
	a := NewAverager(3)
	a.Add(r3.Vec{}, posemath.AngleAxis(10, posemath.Up))
	a.Add(r3.Vec{}, posemath.AngleAxis(20, posemath.Up))
	got := a.Add(r3.Vec{}, posemath.AngleAxis(30, posemath.Up))

	assert.InDelta(t, 0, posemath.Angle(posemath.AngleAxis(20, posemath.Up), got.Rotation), 1e-6)
}

func TestAverager_RotationIgnoresSignOfSamples(t *testing.T) {
	a := NewAverager(2)
	q := posemath.AngleAxis(40, posemath.Right)
	a.Add(r3.Vec{}, q)
	got := a.Add(r3.Vec{}, posemath.Negate(q))

	assert.InDelta(t, 0, posemath.Angle(q, got.Rotation), 1e-6)
}

func TestAverager_DegradesGracefullyOnWideSpread(t *testing.T) {
	inputs := [][]quat.Number{
		{posemath.Identity, posemath.AngleAxis(180, posemath.Up)},
		{posemath.Identity, posemath.Negate(posemath.Identity)},
		{posemath.AngleAxis(90, posemath.Right), posemath.AngleAxis(-90, posemath.Right), posemath.AngleAxis(180, posemath.Forward)},
		{{}, posemath.Identity},
	}
	for i, samples := range inputs {
		a := NewAverager(len(samples))
		var got core.Pose
		for _, q := range samples {
			got = a.Add(r3.Vec{}, q)
		}
		require.False(t, posemath.HasNaN(got.Rotation), "case %d produced NaN: %v", i, got.Rotation)
		assert.InDelta(t, 1, quat.Abs(got.Rotation), 1e-9, "case %d", i)
	}
}

func TestAverager_Reset(t *testing.T) {
	a := NewAverager(5)
	a.Add(r3.Vec{X: 10}, posemath.Identity)
	a.Add(r3.Vec{X: 20}, posemath.Identity)
	require.False(t, a.Empty())

	a.Reset()
	assert.True(t, a.Empty())

	got := a.Add(r3.Vec{X: 1}, posemath.Identity)
	assert.InDelta(t, 1, got.Position.X, 1e-12)
}

func TestAverager_MinimumWindow(t *testing.T) {
	a := NewAverager(0)
	assert.Equal(t, 1, a.Window())
	got := a.Add(r3.Vec{Y: 3}, posemath.Identity)
	assert.False(t, math.IsNaN(got.Position.Y))
	assert.Equal(t, 3.0, got.Position.Y)
}

package reference

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/OCAP2/markerpose/internal/posemath"
	"github.com/OCAP2/markerpose/pkg/core"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestPoint_UnalignedIsIdentity(t *testing.T) {
	p := New(nil)
	assert.False(t, p.Aligned())
	assert.Equal(t, core.IdentityPose, p.Origin())

	pose := core.Pose{Position: r3.Vec{X: 1, Y: 2, Z: 3}, Rotation: posemath.Euler(0, 45, 0)}
	assert.True(t, cmp.Equal(pose, p.ToShared(pose), approx))
}

func TestPoint_AlignNotifies(t *testing.T) {
	p := New(nil)
	var got []core.Pose
	sub := p.OnAligned(func(o core.Pose) { got = append(got, o) })

	origin := core.Pose{Position: r3.Vec{X: 2}, Rotation: posemath.Euler(0, 90, 0)}
	p.Align(origin)
	sub.Unsubscribe()
	p.Align(core.IdentityPose)

	require.Len(t, got, 1)
	assert.True(t, cmp.Equal(origin, got[0], approx))
	assert.True(t, p.Aligned())
}

func TestPoint_ToSharedExpressesRelativeToOrigin(t *testing.T) {
	p := New(nil)
	p.Align(core.Pose{Position: r3.Vec{X: 2}, Rotation: posemath.Euler(0, 90, 0)})

	// one meter along the origin's forward, which is +X after a 90 degree yaw
	shared := p.ToShared(core.Pose{Position: r3.Vec{X: 3}, Rotation: posemath.Euler(0, 90, 0)})

	assert.True(t, cmp.Equal(r3.Vec{Z: 1}, shared.Position, approx), "got %v", shared.Position)
	assert.InDelta(t, 0, posemath.Angle(posemath.Identity, shared.Rotation), 1e-6)
}

func TestPoint_ToLocalInvertsToShared(t *testing.T) {
	p := New(nil)
	p.Align(core.Pose{Position: r3.Vec{X: -1, Y: 0.5, Z: 4}, Rotation: posemath.Euler(10, 30, -20)})

	pose := core.Pose{Position: r3.Vec{X: 0.3, Y: 1.2, Z: -2}, Rotation: posemath.Euler(5, 60, 0)}
	back := p.ToLocal(p.ToShared(pose))

	assert.True(t, cmp.Equal(pose.Position, back.Position, cmpopts.EquateApprox(0, 1e-9)))
	assert.InDelta(t, 0, posemath.Angle(pose.Rotation, back.Rotation), 1e-4)
}

func TestPoint_LocationRequiresAnchor(t *testing.T) {
	_, err := New(nil).Location()
	require.ErrorIs(t, err, ErrNoAnchor)

	_, err = New(nil).Georeference(core.IdentityPose)
	require.ErrorIs(t, err, ErrNoAnchor)
}

func TestPoint_GeoreferenceUsesSharedFrame(t *testing.T) {
	p := New(&core.Anchor{Elevation: 10})
	p.Align(core.Pose{Position: r3.Vec{Y: 1}, Rotation: posemath.Identity})

	pt, err := p.Georeference(core.Pose{Position: r3.Vec{X: 5, Y: 3, Z: 2}, Rotation: posemath.Identity})
	require.NoError(t, err)
	c, ok := pt.Coordinates()
	require.True(t, ok)
	assert.InDelta(t, 5, c.X, 1e-6)
	assert.InDelta(t, 2, c.Y, 1e-6)
	assert.InDelta(t, 12, c.Z, 1e-9)
}

func TestPoint_AnchorIsCopied(t *testing.T) {
	p := New(&core.Anchor{Latitude: 1})
	a := p.Anchor()
	a.Latitude = 50
	assert.Equal(t, 1.0, p.Anchor().Latitude)
}

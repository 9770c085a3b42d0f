// Package reference holds the shared reference point that co-located
// participants agree on after calibration.
package reference

import (
	"errors"
	"sync"

	geom "github.com/peterstace/simplefeatures/geom"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/OCAP2/markerpose/internal/geo"
	"github.com/OCAP2/markerpose/internal/lifecycle"
	"github.com/OCAP2/markerpose/internal/posemath"
	"github.com/OCAP2/markerpose/pkg/core"
)

var ErrNoAnchor = errors.New("reference point has no geographic anchor")

// Point is the origin of the shared frame expressed in the device frame.
// Until the first Align it is the identity pose.
type Point struct {
	mu      sync.RWMutex
	origin  core.Pose
	anchor  *core.Anchor
	aligned bool

	onAligned lifecycle.Signal[core.Pose]
}

// New returns an unaligned point. anchor may be nil.
func New(anchor *core.Anchor) *Point {
	return &Point{origin: core.IdentityPose, anchor: anchor}
}

// Align moves the shared origin onto pose and notifies subscribers.
func (p *Point) Align(pose core.Pose) {
	pose.Rotation = posemath.Normalize(pose.Rotation)

	p.mu.Lock()
	p.origin = pose
	p.aligned = true
	p.mu.Unlock()

	p.onAligned.Emit(pose)
}

// OnAligned fires after every Align with the new origin.
func (p *Point) OnAligned(fn func(core.Pose)) lifecycle.Subscription {
	return p.onAligned.Subscribe(fn)
}

func (p *Point) Origin() core.Pose {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.origin
}

func (p *Point) Aligned() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.aligned
}

func (p *Point) Anchor() *core.Anchor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.anchor == nil {
		return nil
	}
	a := *p.anchor
	return &a
}

// ToShared expresses a device-frame pose relative to the shared origin.
func (p *Point) ToShared(pose core.Pose) core.Pose {
	o := p.Origin()
	inv := posemath.Inverse(o.Rotation)
	return core.Pose{
		Position: posemath.Rotate(inv, r3.Sub(pose.Position, o.Position)),
		Rotation: posemath.Mul(inv, pose.Rotation),
	}
}

// ToLocal is the inverse of ToShared.
func (p *Point) ToLocal(pose core.Pose) core.Pose {
	o := p.Origin()
	return core.Pose{
		Position: r3.Add(posemath.Rotate(o.Rotation, pose.Position), o.Position),
		Rotation: posemath.Mul(o.Rotation, pose.Rotation),
	}
}

// Location is the anchor projected to 3857.
func (p *Point) Location() (geom.Point, error) {
	a := p.Anchor()
	if a == nil {
		return geom.NewEmptyPoint(geom.DimXYZ), ErrNoAnchor
	}
	return geo.Project(*a)
}

// Georeference maps a device-frame pose onto the map through the shared origin.
func (p *Point) Georeference(pose core.Pose) (geom.Point, error) {
	a := p.Anchor()
	if a == nil {
		return geom.NewEmptyPoint(geom.DimXYZ), ErrNoAnchor
	}
	return geo.Georeference(*a, p.ToShared(pose).Position)
}

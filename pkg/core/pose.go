// pkg/core/pose.go
package core

import (
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a position and rotation in the engine's left-handed frame.
// Rotation uses Real as w and Imag, Jmag, Kmag as x, y, z.
type Pose struct {
	Position r3.Vec
	Rotation quat.Number
}

// IdentityPose is the origin with no rotation.
var IdentityPose = Pose{Rotation: quat.Number{Real: 1}}

// Valid reports whether the rotation carries any information.
// A rotation with all four components zero is the garbage value some
// detectors emit when a tag is lost mid-frame.
func (p Pose) Valid() bool {
	q := p.Rotation
	return q.Real != 0 || q.Imag != 0 || q.Jmag != 0 || q.Kmag != 0
}

// Observation is one raw detection of one marker in one detection cycle.
type Observation struct {
	ID        int
	Pose      Pose
	Timestamp time.Time
}

// Valid reports whether the observation may be forwarded to the lifecycle tracker.
func (o Observation) Valid() bool {
	return o.Pose.Valid()
}

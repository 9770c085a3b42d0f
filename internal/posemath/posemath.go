// Package posemath holds the quaternion and vector helpers shared by the
// smoothing, follower and reference packages.
//
// Quaternions are gonum quat.Number values with Real as w. Angles are in
// degrees and composition follows the engine convention: Mul(a, b) applies
// b first, then a.
package posemath

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const epsilon = 1e-6

// Identity is the rotation that leaves every vector unchanged.
var Identity = quat.Number{Real: 1}

// Engine axes.
var (
	Right   = r3.Vec{X: 1}
	Up      = r3.Vec{Y: 1}
	Forward = r3.Vec{Z: 1}
)

// IsZero reports whether all four components of q are zero.
func IsZero(q quat.Number) bool {
	return q.Real == 0 && q.Imag == 0 && q.Jmag == 0 && q.Kmag == 0
}

// Normalize returns q scaled to unit length. The zero quaternion maps to Identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n < epsilon {
		return Identity
	}
	return quat.Scale(1/n, q)
}

// Dot is the four-component dot product.
func Dot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// Mul composes two rotations; b is applied first.
func Mul(a, b quat.Number) quat.Number {
	return quat.Mul(a, b)
}

// Inverse returns the inverse rotation of q.
func Inverse(q quat.Number) quat.Number {
	if IsZero(q) {
		return Identity
	}
	return quat.Inv(q)
}

// Negate flips the sign of every component. The result is the same rotation.
func Negate(q quat.Number) quat.Number {
	return quat.Scale(-1, q)
}

// Hemisphere returns q or its negation, whichever lies on the same side as ref.
func Hemisphere(q, ref quat.Number) quat.Number {
	if Dot(q, ref) < 0 {
		return Negate(q)
	}
	return q
}

// AngleAxis builds a rotation of degrees about axis. The axis need not be
// normalized; a zero axis yields Identity.
func AngleAxis(degrees float64, axis r3.Vec) quat.Number {
	n := r3.Norm(axis)
	if n < epsilon {
		return Identity
	}
	sin, cos := math.Sincos(degrees * math.Pi / 360)
	u := r3.Scale(sin/n, axis)
	return quat.Number{Real: cos, Imag: u.X, Jmag: u.Y, Kmag: u.Z}
}

// ToAngleAxis decomposes q into an angle in [0, 360] degrees and a unit axis.
// Rotations too small to carry an axis report Right.
func ToAngleAxis(q quat.Number) (float64, r3.Vec) {
	q = Normalize(q)
	w := math.Max(-1, math.Min(1, q.Real))
	degrees := 2 * math.Acos(w) * 180 / math.Pi
	s := math.Sqrt(1 - w*w)
	if s < epsilon {
		return degrees, Right
	}
	return degrees, r3.Vec{X: q.Imag / s, Y: q.Jmag / s, Z: q.Kmag / s}
}

// Angle is the shortest-arc angle in degrees between two rotations.
func Angle(a, b quat.Number) float64 {
	d := math.Min(math.Abs(Dot(Normalize(a), Normalize(b))), 1)
	if d > 1-epsilon {
		return 0
	}
	return 2 * math.Acos(d) * 180 / math.Pi
}

// Euler builds a rotation from angles in degrees about the x, y and z axes,
// applied z first, then x, then y.
func Euler(x, y, z float64) quat.Number {
	return quat.Mul(AngleAxis(y, Up), quat.Mul(AngleAxis(x, Right), AngleAxis(z, Forward)))
}

// FromRightHanded converts a rotation reported in a right-handed camera frame
// (x right, y down, z forward) into the left-handed engine frame.
func FromRightHanded(q quat.Number) quat.Number {
	return quat.Number{Real: -q.Real, Imag: q.Imag, Jmag: q.Jmag, Kmag: -q.Kmag}
}

// Rotate applies q to v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	return r3.Rotation(Normalize(q)).Rotate(v)
}

// HasNaN reports whether any component of q is NaN.
func HasNaN(q quat.Number) bool {
	return math.IsNaN(q.Real) || math.IsNaN(q.Imag) || math.IsNaN(q.Jmag) || math.IsNaN(q.Kmag)
}

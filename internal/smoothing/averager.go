// Package smoothing implements the deadband filter and sliding-window pose
// averager applied to raw marker detections.
package smoothing

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/OCAP2/markerpose/internal/posemath"
	"github.com/OCAP2/markerpose/internal/queue"
	"github.com/OCAP2/markerpose/pkg/core"
)

// minAxisAngle is the relative rotation in degrees below which a sample's
// axis is undefined.
const minAxisAngle = 1e-3

// Averager keeps the last N samples of one entity and publishes their mean.
//
// Rotations are averaged relative to the oldest sample in the window: each
// sample is expressed as an angle-axis offset from it, offsets are summed and
// divided by the sample count, and the mean offset is reapplied. The result is
// only meaningful for samples that are close together.
type Averager struct {
	positions *queue.Queue[r3.Vec]
	rotations *queue.Queue[quat.Number]
}

// NewAverager creates an averager with the given window. Windows below one
// are treated as one.
func NewAverager(window int) *Averager {
	return &Averager{
		positions: queue.NewBounded[r3.Vec](window),
		rotations: queue.NewBounded[quat.Number](window),
	}
}

// Window is the maximum number of samples kept.
func (a *Averager) Window() int { return a.positions.Cap() }

// Len is the number of samples currently in the window.
func (a *Averager) Len() int { return a.positions.Len() }

// Empty reports whether the window holds no samples.
func (a *Averager) Empty() bool { return a.positions.Empty() }

// Reset clears both windows.
func (a *Averager) Reset() {
	a.positions.Clear()
	a.rotations.Clear()
}

// Add pushes a sample, evicting the oldest at capacity, and returns the new average.
func (a *Averager) Add(position r3.Vec, rotation quat.Number) core.Pose {
	a.positions.Push(position)
	a.rotations.Push(rotation)
	if a.Window() == 1 {
		return core.Pose{Position: position, Rotation: rotation}
	}
	return core.Pose{
		Position: meanPosition(a.positions.Snapshot()),
		Rotation: meanRotation(a.rotations.Snapshot()),
	}
}

func meanPosition(samples []r3.Vec) r3.Vec {
	var sum r3.Vec
	for _, p := range samples {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(samples)), sum)
}

func meanRotation(samples []quat.Number) quat.Number {
	if len(samples) == 1 {
		return samples[0]
	}
	ref := posemath.Normalize(samples[0])
	inv := posemath.Inverse(ref)

	var axisSum r3.Vec
	var angleSum float64
	for _, q := range samples {
		rel := posemath.Hemisphere(posemath.Mul(inv, posemath.Normalize(q)), posemath.Identity)
		angle, axis := posemath.ToAngleAxis(rel)
		angleSum += angle
		// Samples equal to the reference have no axis to contribute.
		if angle > minAxisAngle {
			axisSum = r3.Add(axisSum, axis)
		}
	}
	n := float64(len(samples))
	// A zero mean axis comes back from AngleAxis as identity.
	return posemath.Mul(ref, posemath.AngleAxis(angleSum/n, r3.Scale(1/n, axisSum)))
}

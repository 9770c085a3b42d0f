package smoothing

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/OCAP2/markerpose/internal/posemath"
)

// LowPass suppresses changes below the given thresholds. A position closer
// than posThreshold to oldPos snaps to oldPos, and a rotation within
// rotThresholdDeg of oldRot snaps to oldRot. Anything else passes through.
func LowPass(oldPos r3.Vec, oldRot quat.Number, newPos r3.Vec, newRot quat.Number, posThreshold, rotThresholdDeg float64) (r3.Vec, quat.Number) {
	pos := newPos
	if r3.Norm2(r3.Sub(newPos, oldPos)) < posThreshold*posThreshold {
		pos = oldPos
	}
	rot := newRot
	if posemath.Angle(oldRot, newRot) < rotThresholdDeg {
		rot = oldRot
	}
	return pos, rot
}

package streaming

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/OCAP2/markerpose/pkg/core"
)

// ToPose converts the wire form back to a core.Pose.
func (p PoseJSON) ToPose() core.Pose {
	return core.Pose{
		Position: r3.Vec{X: p.Position[0], Y: p.Position[1], Z: p.Position[2]},
		Rotation: quat.Number{Real: p.Rotation[3], Imag: p.Rotation[0], Jmag: p.Rotation[1], Kmag: p.Rotation[2]},
	}
}

// LifecycleEnvelope wraps a lifecycle event.
func LifecycleEnvelope(e core.LifecycleEvent) (Envelope, error) {
	payload := LifecyclePayload{Time: e.Time, MarkerID: e.MarkerID, Kind: e.Kind.String()}
	if e.Kind == core.EventUpdated {
		pose := FromPose(e.Pose)
		payload.Pose = &pose
	}
	return NewEnvelope(TypeLifecycle, payload)
}

// PoseEnvelope wraps a smoothed pose sample.
func PoseEnvelope(s core.PoseSample) (Envelope, error) {
	return NewEnvelope(TypePose, PosePayload{
		Time:     s.Time,
		MarkerID: s.MarkerID,
		Pose:     FromPose(s.Pose),
		Raw:      FromPose(s.Raw),
	})
}

// CalibrationEnvelope wraps a calibration result.
func CalibrationEnvelope(c core.CalibrationResult) (Envelope, error) {
	return NewEnvelope(TypeCalibration, CalibrationPayload{
		Time:     c.Time,
		MarkerID: c.MarkerID,
		Steps:    c.Steps,
		Pose:     FromPose(c.Pose),
	})
}

// ToSample converts a pose payload back to a core.PoseSample.
func (p PosePayload) ToSample() core.PoseSample {
	return core.PoseSample{
		Time:     p.Time,
		MarkerID: p.MarkerID,
		Pose:     p.Pose.ToPose(),
		Raw:      p.Raw.ToPose(),
	}
}

// Package convert maps between core values and their GORM rows.
package convert

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	geom "github.com/peterstace/simplefeatures/geom"
	"gonum.org/v1/gonum/num/quat"
	"gorm.io/datatypes"

	"github.com/OCAP2/markerpose/internal/geo"
	"github.com/OCAP2/markerpose/internal/model"
	"github.com/OCAP2/markerpose/pkg/core"
)

func rotation(q quat.Number) datatypes.JSONType[model.Rotation] {
	return datatypes.NewJSONType(model.Rotation{X: q.Imag, Y: q.Jmag, Z: q.Kmag, W: q.Real})
}

func quatOf(r datatypes.JSONType[model.Rotation]) quat.Number {
	v := r.Data()
	return quat.Number{Real: v.W, Imag: v.X, Jmag: v.Y, Kmag: v.Z}
}

func poseOf(p geom.Point, r datatypes.JSONType[model.Rotation]) core.Pose {
	return core.Pose{Position: geo.LocalVec(p), Rotation: quatOf(r)}
}

// CoreToSession converts a core.Session to a GORM Session.
// A missing or invalid anchor leaves Anchor empty.
func CoreToSession(s core.Session) model.Session {
	out := model.Session{
		SessionID: s.ID.String(),
		StartTime: s.StartTime,
		Backend:   string(s.Backend),
		Anchor:    geom.NewEmptyPoint(geom.DimXYZ),
	}
	if !s.EndTime.IsZero() {
		out.EndTime = sql.NullTime{Time: s.EndTime, Valid: true}
	}
	if s.Anchor != nil {
		if p, err := geo.Project(*s.Anchor); err == nil {
			out.Anchor = p
		}
	}
	if len(s.Settings) > 0 {
		if b, err := json.Marshal(s.Settings); err == nil {
			out.Settings = datatypes.JSON(b)
		}
	}
	return out
}

// SessionToCore converts a GORM Session back to a core.Session.
func SessionToCore(s model.Session) core.Session {
	id, _ := uuid.Parse(s.SessionID)
	out := core.Session{
		ID:        id,
		StartTime: s.StartTime,
		Backend:   core.BackendKind(s.Backend),
	}
	if s.EndTime.Valid {
		out.EndTime = s.EndTime.Time
	}
	if !s.Anchor.IsEmpty() {
		if a, err := geo.Unproject(s.Anchor); err == nil {
			out.Anchor = &a
		}
	}
	if len(s.Settings) > 0 {
		_ = json.Unmarshal(s.Settings, &out.Settings)
	}
	return out
}

// CoreToLifecycleEvent converts a core.LifecycleEvent. SessionID is the
// database key of the owning session, stamped by the writer.
func CoreToLifecycleEvent(e core.LifecycleEvent, sessionID uint) model.LifecycleEvent {
	return model.LifecycleEvent{
		Time:      e.Time,
		SessionID: sessionID,
		MarkerID:  e.MarkerID,
		Kind:      e.Kind.String(),
		Position:  geo.LocalPoint(e.Pose.Position),
		Rotation:  rotation(e.Pose.Rotation),
	}
}

// LifecycleEventToCore converts a GORM LifecycleEvent.
func LifecycleEventToCore(e model.LifecycleEvent, sessionID uuid.UUID) core.LifecycleEvent {
	return core.LifecycleEvent{
		SessionID: sessionID,
		Time:      e.Time,
		MarkerID:  e.MarkerID,
		Kind:      kindOf(e.Kind),
		Pose:      poseOf(e.Position, e.Rotation),
	}
}

func kindOf(s string) core.EventKind {
	for _, k := range []core.EventKind{core.EventAdded, core.EventUpdated, core.EventRemoved} {
		if k.String() == s {
			return k
		}
	}
	return 0
}

// CoreToPoseSample converts a core.PoseSample.
func CoreToPoseSample(s core.PoseSample, sessionID uint) model.PoseSample {
	return model.PoseSample{
		Time:        s.Time,
		SessionID:   sessionID,
		MarkerID:    s.MarkerID,
		Position:    geo.LocalPoint(s.Pose.Position),
		Rotation:    rotation(s.Pose.Rotation),
		RawPosition: geo.LocalPoint(s.Raw.Position),
		RawRotation: rotation(s.Raw.Rotation),
	}
}

// PoseSampleToCore converts a GORM PoseSample.
func PoseSampleToCore(s model.PoseSample, sessionID uuid.UUID) core.PoseSample {
	return core.PoseSample{
		SessionID: sessionID,
		Time:      s.Time,
		MarkerID:  s.MarkerID,
		Pose:      poseOf(s.Position, s.Rotation),
		Raw:       poseOf(s.RawPosition, s.RawRotation),
	}
}

// CoreToCalibration converts a core.CalibrationResult.
func CoreToCalibration(c core.CalibrationResult, sessionID uint) model.Calibration {
	return model.Calibration{
		Time:      c.Time,
		SessionID: sessionID,
		MarkerID:  c.MarkerID,
		Steps:     c.Steps,
		Position:  geo.LocalPoint(c.Pose.Position),
		Rotation:  rotation(c.Pose.Rotation),
	}
}

// CalibrationToCore converts a GORM Calibration.
func CalibrationToCore(c model.Calibration, sessionID uuid.UUID) core.CalibrationResult {
	return core.CalibrationResult{
		SessionID: sessionID,
		Time:      c.Time,
		MarkerID:  c.MarkerID,
		Steps:     c.Steps,
		Pose:      poseOf(c.Position, c.Rotation),
	}
}

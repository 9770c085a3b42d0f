// Package streaming defines the JSON-lines message format used for recorded
// detection logs and session exports.
package streaming

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/OCAP2/markerpose/pkg/core"
)

// Message type constants.
const (
	TypeSessionStart = "session_start"
	TypeSessionEnd   = "session_end"
	TypeObservation  = "observation"
	TypeLifecycle    = "lifecycle"
	TypePose         = "pose"
	TypeCalibration  = "calibration"
)

// Envelope wraps every message in a log or export.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload under the given type.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshalling %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Vec3 is a position as [x, y, z].
type Vec3 [3]float64

// Quat is a rotation as [x, y, z, w].
type Quat [4]float64

// PoseJSON is the wire form of a core.Pose.
type PoseJSON struct {
	Position Vec3 `json:"position"`
	Rotation Quat `json:"rotation"`
}

// FromPose converts a pose to its wire form.
func FromPose(p core.Pose) PoseJSON {
	return PoseJSON{
		Position: Vec3{p.Position.X, p.Position.Y, p.Position.Z},
		Rotation: Quat{p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag, p.Rotation.Real},
	}
}

// SessionStartPayload opens a session export.
type SessionStartPayload struct {
	SessionID string         `json:"sessionId"`
	StartTime time.Time      `json:"startTime"`
	Backend   string         `json:"backend"`
	Anchor    *core.Anchor   `json:"anchor,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
}

// SessionEndPayload closes a session export.
type SessionEndPayload struct {
	SessionID string    `json:"sessionId"`
	EndTime   time.Time `json:"endTime"`
}

// ObservationPayload is one raw detection in a replay log. T is the offset
// in seconds from the start of the recording.
type ObservationPayload struct {
	T  float64 `json:"t"`
	ID int     `json:"id"`
	PoseJSON
}

// LifecyclePayload records a marker transition.
type LifecyclePayload struct {
	Time     time.Time `json:"time"`
	MarkerID int       `json:"markerId"`
	Kind     string    `json:"kind"`
	Pose     *PoseJSON `json:"pose,omitempty"`
}

// PosePayload records a smoothed pose.
type PosePayload struct {
	Time     time.Time `json:"time"`
	MarkerID int       `json:"markerId"`
	Pose     PoseJSON  `json:"pose"`
	Raw      PoseJSON  `json:"raw"`
}

// CalibrationPayload records a finished calibration.
type CalibrationPayload struct {
	Time     time.Time `json:"time"`
	MarkerID int       `json:"markerId"`
	Steps    int       `json:"steps"`
	Pose     PoseJSON  `json:"pose"`
}

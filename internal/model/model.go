package model

import (
	"database/sql"
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&Session{},
	&LifecycleEvent{},
	&PoseSample{},
	&Calibration{},
	&RecorderPerformance{},
}

// Rotation is a quaternion stored as JSON so SQLite and Postgres share a schema.
type Rotation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

////////////////////////
// SESSION MODELS
////////////////////////

// Session is one tracking session
type Session struct {
	gorm.Model
	SessionID string       `json:"sessionId" gorm:"size:36;uniqueIndex"`
	StartTime time.Time    `json:"startTime" gorm:"index:idx_session_start"`
	EndTime   sql.NullTime `json:"endTime"`
	Backend   string       `json:"backend" gorm:"size:16"`
	// Anchor is the 3857 location of the shared origin, empty when unknown
	Anchor   geom.Point     `json:"anchor"`
	Settings datatypes.JSON `json:"settings"`

	LifecycleEvents []LifecycleEvent
	PoseSamples     []PoseSample
	Calibrations    []Calibration
}

func (*Session) TableName() string {
	return "sessions"
}

// LifecycleEvent is an Added, Updated or Removed transition of one marker
type LifecycleEvent struct {
	ID        uint                         `json:"id" gorm:"primarykey;autoIncrement;"`
	Time      time.Time                    `json:"time" gorm:"index:idx_lifecycle_time"`
	SessionID uint                         `json:"sessionId" gorm:"index:idx_lifecycle_session_id"`
	Session   Session                      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	MarkerID  int                          `json:"markerId" gorm:"index:idx_lifecycle_marker_id"`
	Kind      string                       `json:"kind" gorm:"size:8"`
	Position  geom.Point                   `json:"position"`
	Rotation  datatypes.JSONType[Rotation] `json:"rotation"`
}

func (*LifecycleEvent) TableName() string {
	return "lifecycle_events"
}

// PoseSample is one published (smoothed) pose with the raw observation it came from
type PoseSample struct {
	ID          uint                         `json:"id" gorm:"primarykey;autoIncrement;"`
	Time        time.Time                    `json:"time" gorm:"index:idx_pose_time"`
	SessionID   uint                         `json:"sessionId" gorm:"index:idx_pose_session_id"`
	Session     Session                      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	MarkerID    int                          `json:"markerId" gorm:"index:idx_pose_marker_id"`
	Position    geom.Point                   `json:"position"`
	Rotation    datatypes.JSONType[Rotation] `json:"rotation"`
	RawPosition geom.Point                   `json:"rawPosition"`
	RawRotation datatypes.JSONType[Rotation] `json:"rawRotation"`
}

func (*PoseSample) TableName() string {
	return "pose_samples"
}

// Calibration is the pose a calibration run aligned the shared origin to
type Calibration struct {
	ID        uint                         `json:"id" gorm:"primarykey;autoIncrement;"`
	Time      time.Time                    `json:"time"`
	SessionID uint                         `json:"sessionId" gorm:"index:idx_calibration_session_id"`
	Session   Session                      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	MarkerID  int                          `json:"markerId"`
	Steps     int                          `json:"steps"`
	Position  geom.Point                   `json:"position"`
	Rotation  datatypes.JSONType[Rotation] `json:"rotation"`
}

func (*Calibration) TableName() string {
	return "calibrations"
}

////////////////////////
// SYSTEM MODELS
////////////////////////

// RecorderPerformance is the model for recorder performance metrics
type RecorderPerformance struct {
	Time                time.Time   `json:"time" gorm:"index:idx_time"`
	SessionID           uint        `json:"sessionId" gorm:"index:idx_recorderperformance_session_id"`
	Session             Session     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	Queues              QueueLengths `json:"queues" gorm:"embedded;embeddedPrefix:queue_"`
	ActiveMarkers       uint16      `json:"activeMarkers"`
	Dropped             uint64      `json:"dropped"`
	LastWriteDurationMs float32     `json:"lastWriteDurationMs"`
}

func (*RecorderPerformance) TableName() string {
	return "recorder_performances"
}

// QueueLengths is the model for the queue lengths
type QueueLengths struct {
	Main            uint16 `json:"main"`
	Worker          uint16 `json:"worker"`
	LifecycleEvents uint16 `json:"lifecycleEvents"`
	PoseSamples     uint16 `json:"poseSamples"`
	Calibrations    uint16 `json:"calibrations"`
}

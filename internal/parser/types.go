package parser

import (
	"time"

	"github.com/OCAP2/markerpose/pkg/core"
)

// Record is one parsed detection with its offset into the recording.
type Record struct {
	Offset      time.Duration
	Observation core.Observation
}

// Frame groups the records that share one offset. Replay delivers a frame
// as one detection batch.
type Frame struct {
	Offset time.Duration
	Batch  []core.Observation
}

// Duration is the offset of the last frame.
func Duration(frames []Frame) time.Duration {
	if len(frames) == 0 {
		return 0
	}
	return frames[len(frames)-1].Offset
}

package camera

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/OCAP2/markerpose/internal/timeutil"
)

// MaxPatternID is the largest tag id a pattern frame can encode.
const MaxPatternID = 254

var errDetectorClosed = errors.New("detector closed")

// PatternSource renders a synthetic feed for running the camera path without
// hardware. Each tag is a filled square whose pixels hold id+1 on a black
// background. The squares sway horizontally with a period of a few seconds.
type PatternSource struct {
	clock  timeutil.Clock
	width  int
	height int
	ids    []int

	mu      sync.Mutex
	running bool
	start   time.Time
}

// NewPatternSource lays ids out left to right across the frame. Ids outside
// 0..MaxPatternID are not drawn.
func NewPatternSource(clock timeutil.Clock, width, height int, ids []int) *PatternSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	var drawn []int
	for _, id := range ids {
		if id >= 0 && id <= MaxPatternID {
			drawn = append(drawn, id)
		}
	}
	return &PatternSource{clock: clock, width: width, height: height, ids: drawn}
}

func (s *PatternSource) Start(context.Context) error {
	if s.width <= 0 || s.height <= 0 {
		return fmt.Errorf("invalid pattern resolution %dx%d", s.width, s.height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.start = s.clock.Now()
	return nil
}

func (s *PatternSource) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *PatternSource) Resolution() (int, int) { return s.width, s.height }

// TagSide is the edge length of each square in pixels.
func (s *PatternSource) TagSide() int {
	return max(4, s.height/8)
}

// Latest renders the frame for the current clock time.
func (s *PatternSource) Latest() (Frame, error) {
	s.mu.Lock()
	running, start := s.running, s.start
	s.mu.Unlock()
	if !running {
		return Frame{}, ErrEmptyFrame
	}

	now := s.clock.Now()
	sway := int(math.Round(float64(s.TagSide()) / 4 * math.Sin(now.Sub(start).Seconds())))
	side := s.TagSide()

	pixels := make([]byte, s.width*s.height)
	for i, id := range s.ids {
		cx := s.width*(i+1)/(len(s.ids)+1) + sway
		x0, y0 := cx-side/2, s.height/2-side/2
		for y := max(0, y0); y < min(s.height, y0+side); y++ {
			for x := max(0, x0); x < min(s.width, x0+side); x++ {
				pixels[y*s.width+x] = byte(id + 1)
			}
		}
	}
	return Frame{Width: s.width, Height: s.height, Pixels: pixels, Timestamp: now}, nil
}

// PatternDetector finds the squares drawn by PatternSource and estimates
// their pose with a pinhole model. Rotation is always identity.
type PatternDetector struct {
	decimation int

	mu     sync.Mutex
	closed bool
}

// NewPatternDetector satisfies DetectorFactory. The family is ignored.
func NewPatternDetector(width, height, decimation int, _ Family) (Detector, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid resolution %dx%d", width, height)
	}
	return &PatternDetector{decimation: max(1, decimation)}, nil
}

type blob struct {
	n          int
	sumX, sumY float64
	minX, maxX int
}

func (d *PatternDetector) Detect(frame Frame, in Intrinsics) ([]Tag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errDetectorClosed
	}
	if frame.Empty() {
		return nil, ErrEmptyFrame
	}

	blobs := make(map[byte]*blob)
	for y := 0; y < frame.Height; y += d.decimation {
		row := frame.Pixels[y*frame.Width : (y+1)*frame.Width]
		for x := 0; x < frame.Width; x += d.decimation {
			v := row[x]
			if v == 0 {
				continue
			}
			b, ok := blobs[v]
			if !ok {
				b = &blob{minX: x, maxX: x}
				blobs[v] = b
			}
			b.n++
			b.sumX += float64(x)
			b.sumY += float64(y)
			b.minX = min(b.minX, x)
			b.maxX = max(b.maxX, x)
		}
	}

	focal := float64(frame.Height) / 2 / math.Tan(in.FieldOfView/2)
	tags := make([]Tag, 0, len(blobs))
	for v, b := range blobs {
		side := float64(b.maxX - b.minX + d.decimation)
		z := in.TagSize * focal / side
		cx := b.sumX/float64(b.n) - float64(frame.Width)/2
		cy := b.sumY/float64(b.n) - float64(frame.Height)/2
		tags = append(tags, Tag{
			ID:       int(v) - 1,
			Position: r3.Vec{X: cx * z / focal, Y: -cy * z / focal, Z: z},
			Rotation: quat.Number{Real: 1},
		})
	}
	slices.SortFunc(tags, func(a, b Tag) int { return a.ID - b.ID })
	return tags, nil
}

func (d *PatternDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

package memory

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"github.com/OCAP2/markerpose/internal/geo"
	"github.com/OCAP2/markerpose/pkg/core"
)

// SessionExport is the root JSON structure
type SessionExport struct {
	SessionID    string       `json:"sessionId"`
	Backend      string       `json:"backend"`
	StartTime    int64        `json:"startTime"` // unix ms
	EndTime      int64        `json:"endTime"`
	Anchor       []float64    `json:"anchor,omitempty"` // [lon, lat, elev]
	Markers      []MarkerJSON `json:"markers"`
	Calibrations [][]any      `json:"calibrations"`
}

// MarkerJSON holds one marker's events and poses.
// Events are [ms, kind]; poses are [ms, [x,y,z], [x,y,z,w], [rawX,rawY,rawZ]].
type MarkerJSON struct {
	ID     int     `json:"id"`
	Events [][]any `json:"events"`
	Poses  [][]any `json:"poses"`
}

// Summary is the human-readable YAML written next to the export.
type Summary struct {
	SessionID string          `yaml:"sessionId"`
	Backend   string          `yaml:"backend"`
	Duration  string          `yaml:"duration"`
	Markers   []MarkerSummary `yaml:"markers"`
}

type MarkerSummary struct {
	ID         int     `yaml:"id"`
	Samples    int     `yaml:"samples"`
	Added      int     `yaml:"added"`
	Removed    int     `yaml:"removed"`
	PathLength float64 `yaml:"pathLength"`
	Track      string  `yaml:"track,omitempty"` // WKT
}

func vec(v r3.Vec) []float64 { return []float64{v.X, v.Y, v.Z} }

func (b *Backend) baseName() string {
	return fmt.Sprintf("%s_%s", b.session.StartTime.Format("20060102_150405"), b.session.ID.String()[:8])
}

// exportJSON writes the session data to a (optionally gzipped) JSON file
func (b *Backend) exportJSON() error {
	export := b.buildExport()

	filename := b.baseName() + ".json"
	if b.cfg.CompressOutput {
		filename += ".gz"
	}
	outputPath := filepath.Join(b.cfg.OutputDir, filename)

	// Ensure output directory exists
	if err := os.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var err error
	if b.cfg.CompressOutput {
		err = writeGzipJSON(outputPath, export)
	} else {
		err = writeJSON(outputPath, export)
	}
	if err != nil {
		return err
	}

	samples := 0
	for _, m := range export.Markers {
		samples += len(m.Poses)
	}
	b.lastExportPath = outputPath
	b.lastExportMetadata = core.UploadMetadata{
		SessionID:  b.session.ID.String(),
		Backend:    string(b.session.Backend),
		MarkerIDs:  b.markerIDs(),
		DurationS:  b.session.EndTime.Sub(b.session.StartTime).Seconds(),
		SampleSize: samples,
	}
	return nil
}

func (b *Backend) buildExport() SessionExport {
	export := SessionExport{
		SessionID:    b.session.ID.String(),
		Backend:      string(b.session.Backend),
		StartTime:    b.session.StartTime.UnixMilli(),
		EndTime:      b.session.EndTime.UnixMilli(),
		Markers:      make([]MarkerJSON, 0, len(b.markers)),
		Calibrations: make([][]any, 0, len(b.calibrations)),
	}
	if a := b.session.Anchor; a != nil {
		export.Anchor = []float64{a.Longitude, a.Latitude, a.Elevation}
	}

	for _, id := range b.markerIDs() {
		record := b.markers[id]
		m := MarkerJSON{
			ID:     id,
			Events: make([][]any, 0, len(record.Events)),
			Poses:  make([][]any, 0, len(record.Poses)),
		}
		for _, e := range record.Events {
			m.Events = append(m.Events, []any{e.Time.UnixMilli(), e.Kind.String()})
		}
		for _, s := range record.Poses {
			q := s.Pose.Rotation
			m.Poses = append(m.Poses, []any{
				s.Time.UnixMilli(),
				vec(s.Pose.Position),
				[]float64{q.Imag, q.Jmag, q.Kmag, q.Real},
				vec(s.Raw.Position),
			})
		}
		export.Markers = append(export.Markers, m)
	}

	// Format: [ms, markerId, steps, [x,y,z], [x,y,z,w]]
	for _, c := range b.calibrations {
		q := c.Pose.Rotation
		export.Calibrations = append(export.Calibrations, []any{
			c.Time.UnixMilli(),
			c.MarkerID,
			c.Steps,
			vec(c.Pose.Position),
			[]float64{q.Imag, q.Jmag, q.Kmag, q.Real},
		})
	}

	return export
}

func (b *Backend) buildSummary() Summary {
	summary := Summary{
		SessionID: b.session.ID.String(),
		Backend:   string(b.session.Backend),
		Duration:  b.session.EndTime.Sub(b.session.StartTime).String(),
	}

	for _, id := range b.markerIDs() {
		record := b.markers[id]
		ms := MarkerSummary{ID: id, Samples: len(record.Poses)}
		for _, e := range record.Events {
			switch e.Kind {
			case core.EventAdded:
				ms.Added++
			case core.EventRemoved:
				ms.Removed++
			}
		}

		path := make([]r3.Vec, len(record.Poses))
		for i, s := range record.Poses {
			path[i] = s.Pose.Position
			if i > 0 {
				ms.PathLength += r3.Norm(r3.Sub(path[i], path[i-1]))
			}
		}
		if track, err := geo.Track(path); err == nil {
			ms.Track = track.AsText()
		}
		summary.Markers = append(summary.Markers, ms)
	}
	return summary
}

// exportSummary writes the YAML summary next to the JSON export.
func (b *Backend) exportSummary() error {
	out, err := yaml.Marshal(b.buildSummary())
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	path := filepath.Join(b.cfg.OutputDir, b.baseName()+".summary.yaml")
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

func writeJSON(path string, data SessionExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	return json.NewEncoder(f).Encode(data)
}

func writeGzipJSON(path string, data SessionExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	gzWriter := gzip.NewWriter(f)
	if err := json.NewEncoder(gzWriter).Encode(data); err != nil {
		gzWriter.Close()
		return err
	}
	return gzWriter.Close()
}

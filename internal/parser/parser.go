// Package parser decodes recorded detection logs into observations.
//
// Two line formats are accepted. CSV lines carry
// t,id,px,py,pz,qx,qy,qz,qw with t in seconds from the start of the
// recording. JSON lines are streaming envelopes of type "observation".
package parser

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/OCAP2/markerpose/internal/util"
	"github.com/OCAP2/markerpose/pkg/core"
	"github.com/OCAP2/markerpose/pkg/streaming"
)

const csvFields = 9

// parseIntFromFloat parses a string that may be an integer ("32") or float ("32.00").
func parseIntFromFloat(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != float64(int64(f)) {
		return 0, fmt.Errorf("parseIntFromFloat: %q is not a valid int64", s)
	}
	return int64(f), nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite value %q", f)
		}
		out[i] = v
	}
	return out, nil
}

func seconds(t float64) (time.Duration, error) {
	if t < 0 || math.IsNaN(t) || math.IsInf(t, 0) {
		return 0, fmt.Errorf("offset %v out of range", t)
	}
	return time.Duration(t * float64(time.Second)), nil
}

// Parser converts log lines into records.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a parser that logs skipped lines to logger.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// ParseCSV parses one CSV record.
func (p *Parser) ParseCSV(fields []string) (Record, error) {
	var r Record
	if len(fields) < csvFields {
		return r, fmt.Errorf("error parsing detection: expected %d fields, got %d", csvFields, len(fields))
	}
	for i, f := range fields {
		fields[i] = util.TrimQuotes(strings.TrimSpace(f))
	}

	t, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return r, fmt.Errorf("error parsing offset: %w", err)
	}
	if r.Offset, err = seconds(t); err != nil {
		return r, fmt.Errorf("error parsing offset: %w", err)
	}

	id, err := parseIntFromFloat(fields[1])
	if err != nil {
		return r, fmt.Errorf("error parsing marker id: %w", err)
	}

	v, err := parseFloats(fields[2:csvFields])
	if err != nil {
		return r, fmt.Errorf("error parsing pose: %w", err)
	}
	wire := streaming.PoseJSON{
		Position: streaming.Vec3{v[0], v[1], v[2]},
		Rotation: streaming.Quat{v[3], v[4], v[5], v[6]},
	}

	r.Observation = core.Observation{ID: int(id), Pose: wire.ToPose()}
	return r, nil
}

// ParseEnvelope parses one JSON envelope. Envelopes of other types return
// ok == false without error.
func (p *Parser) ParseEnvelope(env streaming.Envelope) (r Record, ok bool, err error) {
	if env.Type != streaming.TypeObservation {
		return r, false, nil
	}
	var payload streaming.ObservationPayload
	if err := env.Decode(&payload); err != nil {
		return r, false, err
	}
	if r.Offset, err = seconds(payload.T); err != nil {
		return r, false, fmt.Errorf("error parsing offset: %w", err)
	}
	r.Observation = core.Observation{ID: payload.ID, Pose: payload.ToPose()}
	return r, true, nil
}

// ParseLine dispatches on the line format. Blank lines and lines starting
// with # return ok == false.
func (p *Parser) ParseLine(line string) (Record, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Record{}, false, nil
	}
	if strings.HasPrefix(line, "{") {
		var env streaming.Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			return Record{}, false, fmt.Errorf("error unmarshalling envelope: %w", err)
		}
		return p.ParseEnvelope(env)
	}
	r, err := p.ParseCSV(strings.Split(line, ","))
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// ParseLog reads a whole log and groups records into frames ordered by
// offset. Malformed lines are logged and skipped; a log with no usable
// records is an error.
func (p *Parser) ParseLog(r io.Reader) ([]Frame, error) {
	byOffset := make(map[time.Duration][]core.Observation)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo, skipped := 0, 0
	for scanner.Scan() {
		lineNo++
		rec, ok, err := p.ParseLine(scanner.Text())
		if err != nil {
			skipped++
			p.logger.Warn("skipping detection log line", "line", lineNo, "error", err)
			continue
		}
		if !ok {
			continue
		}
		byOffset[rec.Offset] = append(byOffset[rec.Offset], rec.Observation)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading detection log: %w", err)
	}
	if len(byOffset) == 0 {
		return nil, fmt.Errorf("detection log has no records (%d lines, %d skipped)", lineNo, skipped)
	}

	frames := make([]Frame, 0, len(byOffset))
	for off, batch := range byOffset {
		frames = append(frames, Frame{Offset: off, Batch: batch})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Offset < frames[j].Offset })
	return frames, nil
}

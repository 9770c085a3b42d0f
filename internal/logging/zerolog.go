package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/rs/zerolog"
)

// ZerologOptions configures the infrastructure logger.
type ZerologOptions struct {
	Level   string
	Console io.Writer
	File    io.Writer
	// GraylogAddress enables a GELF UDP writer when non-empty.
	GraylogAddress string
	Facility       string
	// Hook adds fields to every event, such as the session id.
	Hook func(e *zerolog.Event)
}

// ParseZerologLevel converts a string log level to zerolog.Level.
func ParseZerologLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewZerolog builds the zerolog logger used by the database, influx and
// dispatcher packages. The returned closer releases the GELF connection and
// is never nil.
func NewZerolog(opts ZerologOptions) (zerolog.Logger, io.Closer, error) {
	var writers []io.Writer
	if opts.Console != nil {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        opts.Console,
			TimeFormat: time.RFC3339,
		})
	}
	if opts.File != nil {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        opts.File,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		})
	}

	var closer io.Closer = nopCloser{}
	if opts.GraylogAddress != "" {
		gw, err := gelf.NewWriter(opts.GraylogAddress)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("connecting to graylog at %s: %w", opts.GraylogAddress, err)
		}
		if opts.Facility != "" {
			gw.Facility = opts.Facility
		}
		writers = append(writers, gw)
		closer = gw
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseZerologLevel(opts.Level)).
		With().Timestamp().Logger()

	if opts.Hook != nil {
		hook := opts.Hook
		logger = logger.Hook(zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
			hook(e)
		}))
	}

	return logger, closer, nil
}

// Sampled lets a burst of 5 events through every 10 seconds and then 1 in
// 100, for per-pose debug logging.
func Sampled(logger zerolog.Logger) zerolog.Logger {
	return logger.With().Bool("sampled", true).Logger().Sample(&zerolog.BurstSampler{
		Burst:       5,
		Period:      10 * time.Second,
		NextSampler: &zerolog.BasicSampler{N: 100},
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

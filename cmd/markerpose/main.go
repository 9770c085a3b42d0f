// Command markerpose tracks fiducial markers, smooths the pose of one of them
// and records the session.
//
// Usage:
//
//	markerpose run [flags]
//	markerpose calibrate [flags]
//	markerpose export [flags] [file]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/OCAP2/markerpose/internal/config"
)

// BuildDate can be set at build time via ldflags
var (
	Version   = "0.0.1"
	BuildDate = "unknown"
)

const appName = "markerpose"

func usage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "markerpose %s (%s)\n\n", Version, BuildDate)
	fmt.Fprintln(os.Stderr, "Usage: markerpose <run|calibrate|export> [flags]")
	fmt.Fprintln(os.Stderr)
	fs.PrintDefaults()
}

// loadSettings parses flags, reads the config file and validates the result.
// A missing config file is not fatal; defaults and flags still apply.
func loadSettings(fs *pflag.FlagSet, args []string) (config.Settings, error) {
	if err := fs.Parse(args); err != nil {
		return config.Settings{}, err
	}
	dir, _ := fs.GetString("config-dir")

	if err := config.Load(dir); err != nil {
		if !errors.Is(err, config.ErrNotFound) {
			return config.Settings{}, err
		}
		fmt.Fprintf(os.Stderr, "warning: %v, using defaults\n", err)
	}
	if err := config.BindFlags(fs); err != nil {
		return config.Settings{}, fmt.Errorf("binding flags: %w", err)
	}

	s, err := config.Decode()
	if err != nil {
		return config.Settings{}, err
	}
	if err := config.Validate(s); err != nil {
		return config.Settings{}, err
	}
	return s, nil
}

func main() {
	fs := config.Flags(appName)
	fs.Usage = func() { usage(fs) }

	if len(os.Args) < 2 {
		usage(fs)
		os.Exit(2)
	}
	cmd := strings.ToLower(os.Args[1])

	s, err := loadSettings(fs, os.Args[2:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		err = runTracking(ctx, s)
	case "calibrate":
		err = runCalibration(ctx, s)
	case "export":
		err = exportConfig(s, fs.Args())
	default:
		usage(fs)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func exportConfig(s config.Settings, args []string) error {
	if len(args) == 0 {
		return config.WriteYAML(os.Stdout, s)
	}
	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("creating %s: %w", args[0], err)
	}
	defer f.Close()
	if err := config.WriteYAML(f, s); err != nil {
		return err
	}
	return f.Close()
}

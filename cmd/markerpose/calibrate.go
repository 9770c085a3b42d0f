package main

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/OCAP2/markerpose/internal/calibration"
	"github.com/OCAP2/markerpose/internal/config"
	"github.com/OCAP2/markerpose/pkg/core"
)

const barWidth = 40

type progressMsg calibration.Progress

type completeMsg core.CalibrationResult

type stoppedMsg calibration.Progress

// calibrationView shows calibration progress. Key presses are forwarded to
// the controller through the main loop.
type calibrationView struct {
	marker   int
	progress calibration.Progress
	result   *core.CalibrationResult
	stopped  bool
	running  bool

	toggle func()
	quit   func()
}

func (m calibrationView) Init() tea.Cmd {
	return nil
}

func (m calibrationView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quit()
			return m, tea.Quit
		case tea.KeySpace, tea.KeyEnter:
			m.toggle()
			m.running = !m.running
			m.stopped = false
			m.result = nil
		case tea.KeyRunes:
			if string(msg.Runes) == "q" {
				m.quit()
				return m, tea.Quit
			}
		}
	case progressMsg:
		m.progress = calibration.Progress(msg)
		m.running = true
	case completeMsg:
		r := core.CalibrationResult(msg)
		m.result = &r
		m.running = false
	case stoppedMsg:
		m.progress = calibration.Progress(msg)
		m.stopped = true
		m.running = false
	}
	return m, nil
}

func (m calibrationView) View() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Marker calibration (marker %d)\n\n", m.marker))

	filled := m.progress.Percent * barWidth / 100
	b.WriteString("[" + strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled) + "]")
	b.WriteString(fmt.Sprintf(" %3d%%  %d/%d\n\n", m.progress.Percent, m.progress.Step, m.progress.Total))

	switch {
	case m.result != nil:
		p := m.result.Pose.Position
		b.WriteString(fmt.Sprintf("Aligned at (%.3f, %.3f, %.3f) after %d steps\n", p.X, p.Y, p.Z, m.result.Steps))
	case m.stopped:
		b.WriteString("Calibration stopped\n")
	case m.running:
		b.WriteString("Hold the marker steady...\n")
	default:
		b.WriteString("Idle\n")
	}

	b.WriteString("\n(space to start/stop, q to quit)")
	return b.String()
}

func runCalibration(ctx context.Context, s config.Settings) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The view owns the terminal, so logs only go to the session file.
	a, err := newApp(ctx, s, nil)
	if err != nil {
		return err
	}
	defer a.shutdown()

	var program *tea.Program
	send := func(msg tea.Msg) {
		if program != nil {
			program.Send(msg)
		}
	}

	ctrl := calibration.New(a.tracker, a.follower, a.sess.Reference, calibration.Options{
		Steps:      s.Calibration.Steps,
		SessionID:  a.sess.ID,
		Logger:     a.logger,
		OnProgress: func(p calibration.Progress) { send(progressMsg(p)) },
		OnComplete: func(r core.CalibrationResult) {
			a.bridge.Calibration(r)
			send(completeMsg(r))
		},
		OnStopped: func(p calibration.Progress) { send(stoppedMsg(p)) },
	})

	view := calibrationView{
		marker:   s.Follower.MarkerID,
		progress: calibration.Progress{Total: s.Calibration.Steps},
		running:  true,
		toggle:   func() { a.sess.Loop.Post(ctrl.Toggle) },
		quit:     cancel,
	}
	program = tea.NewProgram(view, tea.WithContext(ctx))

	a.sess.Loop.Post(func() {
		if err := ctrl.Start(); err != nil {
			a.logger.Error("calibration failed to start", "error", err)
		}
	})

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		a.loop(ctx)
	}()

	_, err = program.Run()
	interrupted := ctx.Err() != nil
	cancel()
	<-loopDone

	if err != nil && !interrupted {
		return fmt.Errorf("calibration view: %w", err)
	}
	return nil
}

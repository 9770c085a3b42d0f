package recorder

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/OCAP2/markerpose/internal/dispatcher"
	"github.com/OCAP2/markerpose/internal/lifecycle"
	"github.com/OCAP2/markerpose/internal/logging"
	"github.com/OCAP2/markerpose/internal/timeutil"
	"github.com/OCAP2/markerpose/pkg/core"
)

// Dispatcher routes one event. *dispatcher.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(e dispatcher.Event) (any, error)
}

// Source hands out lifecycle callbacks. Trackers and backends satisfy it.
type Source interface {
	Callbacks(id int) (*lifecycle.Slots, error)
}

// PoseSource publishes smoothed poses, e.g. a follower.
type PoseSource interface {
	OnPoseUpdated(fn func(core.PoseSample)) lifecycle.Subscription
}

// Bridge turns lifecycle and pose callbacks into dispatcher events stamped
// with the session id. Callbacks run on the main context, so dispatching
// never waits on a sink. Full queues drop the event; lifecycle drops are
// logged each time.
type Bridge struct {
	d         Dispatcher
	sessionID uuid.UUID
	clock     timeutil.Clock
	logger    zerolog.Logger
	sampled   zerolog.Logger

	mu   sync.Mutex
	subs []lifecycle.Subscription
}

// NewBridge creates a bridge that is not attached to anything yet.
func NewBridge(d Dispatcher, sessionID uuid.UUID, clock timeutil.Clock, logger zerolog.Logger) *Bridge {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	logger = logger.With().Str("component", "recorder-bridge").Logger()
	return &Bridge{
		d:         d,
		sessionID: sessionID,
		clock:     clock,
		logger:    logger,
		sampled:   logging.Sampled(logger),
	}
}

// Attach subscribes to Added and Removed for each id on src and to every
// pose published by poses, which may be nil. Updated observations are not
// bridged; the smoothed pose stream carries them.
func (b *Bridge) Attach(src Source, ids []int, poses PoseSource) error {
	var subs []lifecycle.Subscription
	for _, id := range ids {
		slots, err := src.Callbacks(id)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("attach marker %d: %w", id, err)
		}
		subs = append(subs,
			slots.OnAdded(func(id int) { b.lifecycle(id, core.EventAdded) }),
			slots.OnRemoved(func(id int) { b.lifecycle(id, core.EventRemoved) }),
		)
	}
	if poses != nil {
		subs = append(subs, poses.OnPoseUpdated(b.pose))
	}

	b.mu.Lock()
	b.subs = append(b.subs, subs...)
	b.mu.Unlock()
	return nil
}

// Detach removes every subscription made by Attach.
func (b *Bridge) Detach() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

// Calibration dispatches a finished calibration. Its signature fits
// calibration.Options.OnComplete.
func (b *Bridge) Calibration(c core.CalibrationResult) {
	c.SessionID = b.sessionID
	b.dispatch(CmdCalibration, c)
}

func (b *Bridge) lifecycle(id int, kind core.EventKind) {
	b.dispatch(CmdLifecycle, core.LifecycleEvent{
		SessionID: b.sessionID,
		Time:      b.clock.Now(),
		MarkerID:  id,
		Kind:      kind,
	})
}

func (b *Bridge) pose(s core.PoseSample) {
	s.SessionID = b.sessionID
	b.dispatch(CmdPose, s)
}

func (b *Bridge) dispatch(cmd string, payload any) {
	_, err := b.d.Dispatch(dispatcher.Event{
		Command:   cmd,
		Payload:   payload,
		Timestamp: b.clock.Now(),
	})
	switch {
	case err == nil:
	case errors.Is(err, dispatcher.ErrQueueFull):
		// counted by the dispatcher
		if cmd == CmdLifecycle {
			b.logger.Warn().Str("command", cmd).Interface("event", payload).Msg("queue full, lifecycle event dropped")
		}
	case errors.Is(err, dispatcher.ErrClosed):
		b.sampled.Debug().Str("command", cmd).Msg("dispatcher closed, event discarded")
	default:
		b.sampled.Error().Err(err).Str("command", cmd).Msg("dispatch failed")
	}
}

// Package mainloop funnels work from detector threads onto the single main
// context and runs blocking backend calls on a serial worker.
package mainloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/OCAP2/markerpose/internal/queue"
)

const instrumentationName = "github.com/OCAP2/markerpose/internal/mainloop"

var (
	mainAttr   = attribute.String("queue", "main")
	workerAttr = attribute.String("queue", "worker")
)

// Loop owns the main-context queue and the worker context.
//
// Post may be called from any goroutine. Drain must only be called from the
// goroutine that owns the main context, once per frame.
type Loop struct {
	logger *slog.Logger

	main *queue.Queue[func()]
	work *queue.Queue[func(context.Context)]

	mu     sync.Mutex
	closed bool
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	queueSize    metric.Int64ObservableGauge
	processed    metric.Int64Counter
	registration metric.Registration
}

// New starts the worker goroutine. Metrics go to the global OTel meter
// (no-op if not configured).
func New(logger *slog.Logger) (*Loop, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		logger: logger,
		main:   queue.New[func()](),
		work:   queue.New[func(context.Context)](),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	m := otel.Meter(instrumentationName)

	var err error
	l.queueSize, err = m.Int64ObservableGauge(
		"mainloop.queue.size",
		metric.WithDescription("Closures waiting on the main or worker context"),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	l.registration, err = m.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(l.queueSize, int64(l.main.Len()), metric.WithAttributes(mainAttr))
			o.ObserveInt64(l.queueSize, int64(l.work.Len()), metric.WithAttributes(workerAttr))
			return nil
		},
		l.queueSize,
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	l.processed, err = m.Int64Counter(
		"mainloop.closures.processed",
		metric.WithDescription("Total closures run on the main or worker context"),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	go l.runWorker()
	return l, nil
}

// Post enqueues fn to run on the main context at the next Drain.
// It never blocks and remains valid after Close.
func (l *Loop) Post(fn func()) {
	l.main.Push(fn)
}

// Drain runs every closure queued before the call, in FIFO order, and
// returns how many ran. Closures posted while draining run on the next Drain.
func (l *Loop) Drain() int {
	fns := l.main.Drain()
	for _, fn := range fns {
		l.run(fn)
	}
	if len(fns) > 0 {
		l.processed.Add(context.Background(), int64(len(fns)), metric.WithAttributes(mainAttr))
	}
	return len(fns)
}

// RunOnWorker queues fn on the serial worker. Jobs run one at a time in the
// order they were queued. It returns false once the loop is closed.
func (l *Loop) RunOnWorker(fn func(ctx context.Context)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.logger.Warn("worker job after close discarded")
		return false
	}
	l.work.Push(fn)
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

// Pending is the number of closures waiting for the next Drain.
func (l *Loop) Pending() int { return l.main.Len() }

// WorkerPending is the number of jobs waiting for the worker.
func (l *Loop) WorkerPending() int { return l.work.Len() }

// Close cancels the worker context, lets the worker run the jobs already
// queued, and waits for it to exit. Closures still on the main queue are
// left for a final Drain.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	close(l.stop)
	<-l.done
	if err := l.registration.Unregister(); err != nil {
		l.logger.Debug("unregistering queue callback", "error", err)
	}
}

func (l *Loop) runWorker() {
	defer close(l.done)
	for {
		l.runWorkerJobs()
		select {
		case <-l.notify:
		case <-l.stop:
			l.runWorkerJobs()
			return
		}
	}
}

func (l *Loop) runWorkerJobs() {
	for {
		fn, ok := l.work.Pop()
		if !ok {
			return
		}
		l.run(func() { fn(l.ctx) })
		l.processed.Add(context.Background(), 1, metric.WithAttributes(workerAttr))
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("closure panicked", "panic", r)
		}
	}()
	fn()
}

// Package posestream streams published marker poses to remote clients over
// gRPC.
package posestream

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/OCAP2/markerpose/internal/channel"
	"github.com/OCAP2/markerpose/pkg/core"
)

var ErrRunning = errors.New("publisher already running")

// Config holds configuration for the pose stream server.
type Config struct {
	// ListenAddr is the address to listen on, e.g. "localhost:50061".
	ListenAddr string
	// Buffer is the broadcast queue size.
	Buffer int
	// ClientBuffer is the per-client queue size. Samples are dropped for a
	// client whose queue is full.
	ClientBuffer int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		Buffer:       256,
		ClientBuffer: 32,
	}
}

type client struct {
	id      uuid.UUID
	markers map[int]struct{}
	samples *channel.Buffered[core.PoseSample]
	done    chan struct{}
}

func (c *client) wants(id int) bool {
	if len(c.markers) == 0 {
		return true
	}
	_, ok := c.markers[id]
	return ok
}

// Publisher fans published poses out to every subscribed client.
type Publisher struct {
	cfg    Config
	logger zerolog.Logger

	server   *grpc.Server
	listener net.Listener

	// mu guards closing of the broadcast queue against concurrent Publish.
	mu        sync.RWMutex
	broadcast *channel.Buffered[core.PoseSample]

	clientsMu sync.RWMutex
	clients   map[uuid.UUID]*client

	published   atomic.Uint64
	clientDrops atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Stats is a point-in-time view of the publisher.
type Stats struct {
	Clients   int
	Published uint64
	// Dropped counts samples rejected by a full broadcast queue plus
	// samples skipped for slow clients.
	Dropped uint64
	Running bool
}

// NewPublisher creates a stopped publisher.
func NewPublisher(cfg Config, logger zerolog.Logger) *Publisher {
	def := DefaultConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	return &Publisher{
		cfg:     cfg,
		logger:  logger.With().Str("component", "posestream").Logger(),
		clients: make(map[uuid.UUID]*client),
	}
}

// Start listens on the configured address and serves the stream.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.ListenAddr, err)
	}
	return p.Serve(lis)
}

// Serve starts broadcasting and serves the stream on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRunning
	}

	p.mu.Lock()
	p.broadcast = channel.NewBuffered[core.PoseSample](p.cfg.Buffer)
	p.mu.Unlock()
	p.stopCh = make(chan struct{})
	p.listener = lis

	p.server = grpc.NewServer()
	Register(p.server, p)

	p.wg.Add(2)
	go p.broadcastLoop(p.broadcast)
	go func() {
		defer p.wg.Done()
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			p.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	p.logger.Info().Str("addr", lis.Addr().String()).Msg("pose stream listening")
	return nil
}

// Stop ends every client stream and shuts the server down.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}

	p.mu.Lock()
	p.broadcast.Close()
	p.mu.Unlock()
	close(p.stopCh)

	p.server.GracefulStop()
	p.wg.Wait()
	p.logger.Info().Uint64("published", p.published.Load()).Msg("pose stream stopped")
}

// Publish queues s for broadcast. It never blocks; a full queue drops the
// sample and returns false.
func (p *Publisher) Publish(s core.PoseSample) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running.Load() || p.broadcast == nil {
		return false
	}
	return p.broadcast.TrySend(s)
}

func (p *Publisher) Stats() Stats {
	p.clientsMu.RLock()
	n := len(p.clients)
	p.clientsMu.RUnlock()

	var queueDrops uint64
	p.mu.RLock()
	if p.broadcast != nil {
		queueDrops = p.broadcast.Dropped()
	}
	p.mu.RUnlock()

	return Stats{
		Clients:   n,
		Published: p.published.Load(),
		Dropped:   queueDrops + p.clientDrops.Load(),
		Running:   p.running.Load(),
	}
}

func (p *Publisher) broadcastLoop(in *channel.Buffered[core.PoseSample]) {
	defer p.wg.Done()

	lastLog := time.Now()
	for s := range in.Receive() {
		p.published.Add(1)

		p.clientsMu.RLock()
		for _, c := range p.clients {
			if !c.wants(s.MarkerID) {
				continue
			}
			if !c.samples.TrySend(s) {
				p.clientDrops.Add(1)
			}
		}
		p.clientsMu.RUnlock()

		if time.Since(lastLog) >= 5*time.Second {
			st := p.Stats()
			p.logger.Debug().
				Uint64("published", st.Published).
				Uint64("dropped", st.Dropped).
				Int("clients", st.Clients).
				Int("queue", in.Len()).
				Msg("pose stream stats")
			lastLog = time.Now()
		}
	}
}

func (p *Publisher) addClient(markers []int) *client {
	c := &client{
		id:      uuid.New(),
		markers: make(map[int]struct{}, len(markers)),
		samples: channel.NewBuffered[core.PoseSample](p.cfg.ClientBuffer),
		done:    make(chan struct{}),
	}
	for _, id := range markers {
		c.markers[id] = struct{}{}
	}

	p.clientsMu.Lock()
	p.clients[c.id] = c
	n := len(p.clients)
	p.clientsMu.Unlock()

	p.logger.Info().Str("client", c.id.String()).Ints("markers", markers).Int("total", n).Msg("client connected")
	return c
}

func (p *Publisher) removeClient(id uuid.UUID) {
	p.clientsMu.Lock()
	c, ok := p.clients[id]
	if ok {
		close(c.done)
		delete(p.clients, id)
	}
	n := len(p.clients)
	p.clientsMu.Unlock()

	if ok {
		p.logger.Info().Str("client", id.String()).Int("remaining", n).Msg("client disconnected")
	}
}

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	peer "github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/computeshare/internal/core"
	"github.com/nmxmxh/computeshare/internal/network"
)

// Coordinator is the subset of the coordinator API the worker drives.
type Coordinator interface {
	Register(ctx context.Context, reg core.Registration) error
	FetchTask(ctx context.Context, workerID string) (*core.Task, error)
	SubmitResult(ctx context.Context, sub core.Submission) error
	Balance(ctx context.Context, workerID string) (core.Balance, error)
}

// Gossip is the overlay the gossip loop publishes on and listens to.
type Gossip interface {
	ID() peer.ID
	Events() <-chan network.Event
	Publish(ctx context.Context, data []byte) error
	Connect(ctx context.Context, info peer.AddrInfo) error
}

// Config holds worker behaviour
type Config struct {
	Name         string         `json:"name"`
	Capabilities []string       `json:"capabilities"`
	IdleInterval time.Duration  `json:"idle_interval"` // Wait after an empty poll
	FlushTimeout time.Duration  `json:"flush_timeout"` // Budget for publishing queued results on shutdown
	MaxPending   int            `json:"max_pending"`   // Handoff cap, 0 = unbounded
	Observer     ObserverConfig `json:"observer"`
}

// DefaultConfig returns defaults for a worker called name.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		Capabilities: append([]string(nil), core.DefaultCapabilities...),
		IdleInterval: 5 * time.Second,
		FlushTimeout: 5 * time.Second,
		Observer:     DefaultObserverConfig(),
	}
}

// Stats is a snapshot of worker counters
type Stats struct {
	Processed uint64
	Idle      uint64
	Skipped   uint64
	Observed  uint64
	Peers     int
	Queue     QueueStats
	Balance   core.Balance
}

// Worker registers with the coordinator, then runs the work loop and the
// gossip loop until the context ends or either loop fails.
type Worker struct {
	config   Config
	identity *core.Identity
	coord    Coordinator
	gossip   Gossip

	queue    *HandoffQueue
	peers    *PeerSet
	observer *Observer

	registered atomic.Bool
	processed  atomic.Uint64
	idle       atomic.Uint64
	skipped    atomic.Uint64
	balance    atomic.Pointer[core.Balance]

	logger *slog.Logger
}

func New(config Config, identity *core.Identity, coord Coordinator, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case config.Name == "":
		return nil, errors.New("worker name is required")
	case identity == nil:
		return nil, errors.New("identity is required")
	case coord == nil:
		return nil, errors.New("coordinator is required")
	}
	if config.IdleInterval <= 0 {
		config.IdleInterval = DefaultConfig(config.Name).IdleInterval
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = DefaultConfig(config.Name).FlushTimeout
	}
	if config.Observer.BloomFilter.ExpectedElements == 0 || config.Observer.RateLimit.MessagesPerSecond <= 0 {
		config.Observer = DefaultObserverConfig()
	}

	// The mesh host is keyed by the same identity, so its peer id is ours.
	observer, err := NewObserver(identity.PeerID(), config.Observer, logger)
	if err != nil {
		return nil, err
	}
	logger = logger.With("component", "worker", "worker", config.Name)

	return &Worker{
		config:   config,
		identity: identity,
		coord:    coord,
		queue:    NewHandoffQueue(config.MaxPending),
		peers:    NewPeerSet(),
		observer: observer,
		logger:   logger,
	}, nil
}

// Register announces the worker's name, public key and capabilities. It must
// succeed before Serve.
func (w *Worker) Register(ctx context.Context) error {
	reg := core.Registration{
		WorkerID:     w.config.Name,
		PubKey:       w.identity.PublicKeyBase64(),
		Capabilities: w.config.Capabilities,
	}
	if err := w.coord.Register(ctx, reg); err != nil {
		w.logger.Error("registration failed", "error", err)
		return err
	}
	w.registered.Store(true)
	w.logger.Info("registered",
		"peer_id", w.identity.PeerID().String(),
		"capabilities", w.config.Capabilities)
	return nil
}

// Serve blocks running both loops on gossip. Cancelling ctx is a clean stop
// and returns nil.
func (w *Worker) Serve(ctx context.Context, gossip Gossip) error {
	if gossip == nil {
		return errors.New("gossip channel is required")
	}
	if !w.registered.Load() {
		return errors.New("worker is not registered")
	}
	w.gossip = gossip

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer w.queue.Close()
		return w.workLoop(gctx)
	})
	g.Go(func() error {
		return w.gossipLoop(gctx)
	})

	err := g.Wait()
	stats := w.Stats()
	w.logger.Info("worker stopped",
		"processed", stats.Processed,
		"idle", stats.Idle,
		"skipped", stats.Skipped,
		"observed", stats.Observed,
		"published", stats.Queue.Dequeued,
		"dropped", stats.Queue.Dropped)
	return err
}

// Run registers and then serves. Registration failure is returned before
// either loop starts.
func (w *Worker) Run(ctx context.Context, gossip Gossip) error {
	if err := w.Register(ctx); err != nil {
		return err
	}
	return w.Serve(ctx, gossip)
}

// Stats returns current counters.
func (w *Worker) Stats() Stats {
	s := Stats{
		Processed: w.processed.Load(),
		Idle:      w.idle.Load(),
		Skipped:   w.skipped.Load(),
		Observed:  w.observer.Observed(),
		Peers:     w.peers.Len(),
		Queue:     w.queue.Stats(),
	}
	if b := w.balance.Load(); b != nil {
		s.Balance = *b
	}
	return s
}

// Peers exposes the membership view.
func (w *Worker) Peers() *PeerSet {
	return w.peers
}

// sleep waits d or until ctx ends. It reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/assetcache/config"
	"github.com/meigma/assetcache/fetch"
	"github.com/meigma/assetcache/store"
)

// ErrInvalidState is returned when a lifecycle event arrives out of order.
var ErrInvalidState = errors.New("invalid worker state")

// State is a worker lifecycle state.
type State int32

// Lifecycle states, in order. Any state can end in StateRedundant.
const (
	StateUninitialized State = iota
	StateInstalled
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Host is the runtime a worker is installed into.
type Host interface {
	// Claim makes w the controller of every open client.
	Claim(ctx context.Context, w *Worker) error

	// SkipWaiting activates w without waiting for clients of the previous
	// worker to close.
	SkipWaiting(ctx context.Context, w *Worker) error
}

// Stats counts fetch outcomes.
type Stats struct {
	Hits          int64 // served from the cache
	Misses        int64 // cacheable, fetched from the network
	Bypassed      int64 // left to the network without touching the cache
	Stored        int64 // background writes that succeeded
	WriteFailures int64 // background writes that failed
}

// Worker is the asset cache worker. It is safe for concurrent use.
type Worker struct {
	cfg     config.Config
	rules   config.Rules
	storage store.Storage
	network fetch.Fetcher
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	state State
	host  Host

	writes sync.WaitGroup

	hits          atomic.Int64
	misses        atomic.Int64
	bypassed      atomic.Int64
	stored        atomic.Int64
	writeFailures atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger for worker events.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock sets the clock used to stamp stored entries.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// New creates a worker for cfg that caches into storage and fetches misses
// from network.
func New(cfg config.Config, storage store.Storage, network fetch.Fetcher, opts ...Option) (*Worker, error) {
	if storage == nil {
		return nil, errors.New("storage is nil")
	}
	if network == nil {
		return nil, errors.New("network fetcher is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	rules, err := cfg.Rules()
	if err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	w := &Worker{
		cfg:     cfg,
		rules:   rules,
		storage: storage,
		network: network,
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
		host:    noopHost{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("cache", cfg.CacheName()))
	return w, nil
}

// Config returns the worker's configuration.
func (w *Worker) Config() config.Config {
	return w.cfg
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a snapshot of the fetch counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Hits:          w.hits.Load(),
		Misses:        w.misses.Load(),
		Bypassed:      w.bypassed.Load(),
		Stored:        w.stored.Load(),
		WriteFailures: w.writeFailures.Load(),
	}
}

// Wait blocks until background cache writes have finished.
func (w *Worker) Wait() {
	w.writes.Wait()
}

// Retire makes the worker redundant. A redundant worker leaves every fetch
// to the network and schedules no further cache writes, including writes
// for fetches already in flight. Writes scheduled before Retire still run;
// Wait for them.
func (w *Worker) Retire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateRedundant {
		return
	}
	w.state = StateRedundant
	w.logger.Debug("retired")
}

// transition moves the worker from one state to the next.
func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, w.state, from)
	}
	w.state = to
	return nil
}

type noopHost struct{}

func (noopHost) Claim(context.Context, *Worker) error       { return nil }
func (noopHost) SkipWaiting(context.Context, *Worker) error { return nil }

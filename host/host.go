package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"sync"

	"github.com/meigma/assetcache/fetch"
	"github.com/meigma/assetcache/worker"
)

// ErrClosed is returned when a closed host is used.
var ErrClosed = errors.New("host is closed")

// Host owns workers and dispatches events to them. It is safe for concurrent
// use.
type Host struct {
	network fetch.Fetcher
	logger  *slog.Logger

	activateMu sync.Mutex // serializes activations

	mu         sync.RWMutex
	active     *worker.Worker
	waiting    *worker.Worker
	controller *worker.Worker
	workers    []*worker.Worker
	closed     bool
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger for host events.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New creates a host whose unhandled fetches go to network.
func New(network fetch.Fetcher, opts ...Option) (*Host, error) {
	if network == nil {
		return nil, errors.New("network fetcher is nil")
	}
	h := &Host{
		network: network,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register installs w. The first worker is activated right away; any later
// worker waits, replacing a previously waiting one.
func (h *Host) Register(ctx context.Context, w *worker.Worker) error {
	if w == nil {
		return errors.New("register: nil worker")
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.workers = append(h.workers, w)
	h.mu.Unlock()

	if err := w.Install(ctx, h); err != nil {
		return err
	}

	h.mu.Lock()
	if h.active == nil && h.waiting == nil {
		h.waiting = w
		h.mu.Unlock()
		return h.promote(ctx, w)
	}
	if h.waiting != nil {
		h.waiting.Retire()
		h.logger.Info("waiting worker superseded",
			slog.String("cache", h.waiting.Config().CacheName()))
	}
	h.waiting = w
	h.mu.Unlock()

	h.logger.Info("worker installed and waiting", slog.String("cache", w.Config().CacheName()))
	return nil
}

// SkipWaiting activates w if it is the waiting worker. It is a no-op for any
// other worker.
func (h *Host) SkipWaiting(ctx context.Context, w *worker.Worker) error {
	return h.promote(ctx, w)
}

// Claim makes w the controller of all clients.
func (h *Host) Claim(_ context.Context, w *worker.Worker) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.controller = w
	h.logger.Debug("clients claimed", slog.String("cache", w.Config().CacheName()))
	return nil
}

// promote turns the waiting worker w into the active one. The previous
// worker is retired and its pending writes are drained before activation,
// so nothing it stores survives the sweep; fetches it is still serving
// complete without writing.
func (h *Host) promote(ctx context.Context, w *worker.Worker) error {
	h.activateMu.Lock()
	defer h.activateMu.Unlock()

	h.mu.Lock()
	if h.waiting != w {
		h.mu.Unlock()
		return nil
	}
	previous := h.active
	h.waiting = nil
	h.active = nil
	h.controller = nil
	h.mu.Unlock()

	if previous != nil {
		previous.Retire()
		previous.Wait()
		h.logger.Info("worker superseded", slog.String("cache", previous.Config().CacheName()))
	}

	ev := worker.NewEvent()
	if err := w.Activate(ctx, ev); err != nil {
		return err
	}
	err := ev.Wait()

	h.mu.Lock()
	h.active = w
	h.mu.Unlock()

	if err != nil {
		h.logger.Warn("activation finished with errors",
			slog.String("cache", w.Config().CacheName()),
			slog.Any("error", err))
		return fmt.Errorf("activate: %w", err)
	}
	h.logger.Info("worker activated", slog.String("cache", w.Config().CacheName()))
	return nil
}

// Active returns the active worker, or nil.
func (h *Host) Active() *worker.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// Waiting returns the waiting worker, or nil.
func (h *Host) Waiting() *worker.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.waiting
}

// Controller returns the worker controlling clients, or nil.
func (h *Host) Controller() *worker.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controller
}

// Fetch dispatches a fetch event to the controlling worker. Requests it does
// not handle, or all requests when no worker is in control, go to the
// network.
func (h *Host) Fetch(ctx context.Context, req *nethttp.Request) (*fetch.Response, error) {
	if w := h.Controller(); w != nil {
		resp, handled, err := w.Fetch(ctx, req)
		if handled {
			return resp, err
		}
	}
	return h.network.Fetch(ctx, req)
}

// Post delivers a client message. Pages address the waiting worker when
// there is one, since that is the worker they want to take over.
func (h *Host) Post(ctx context.Context, msg worker.Message) error {
	h.mu.RLock()
	target := h.waiting
	if target == nil {
		target = h.active
	}
	h.mu.RUnlock()

	if target == nil {
		h.logger.Warn("dropping message, no worker registered", slog.String("type", msg.Type))
		return nil
	}
	return target.Message(ctx, msg)
}

// RoundTrip implements http.RoundTripper by dispatching req as a fetch.
func (h *Host) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	resp, err := h.Fetch(req.Context(), req)
	if err != nil {
		return nil, err
	}
	return resp.HTTP(req), nil
}

// Close stops accepting registrations, retires every worker and waits for
// their pending cache writes. Fetches through a closed host go to the
// network.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	workers := h.workers
	h.mu.Unlock()

	for _, w := range workers {
		w.Retire()
	}
	for _, w := range workers {
		w.Wait()
	}
	return nil
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentDeletes bounds the activation sweep.
const maxConcurrentDeletes = 8

// Install handles the install event and binds the worker to its host.
// A nil host is allowed; claims and skip-waiting requests are then no-ops.
func (w *Worker) Install(ctx context.Context, h Host) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.transition(StateUninitialized, StateInstalled); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if h != nil {
		w.mu.Lock()
		w.host = h
		w.mu.Unlock()
	}
	w.logger.Debug("installed")
	return nil
}

// Activate handles the activate event. It claims all clients and then
// deletes every namespace of the application, current build included; the
// current namespace is recreated lazily on the first write. The work is
// registered on ev, and the worker becomes active once it completes,
// whether or not every deletion succeeded.
func (w *Worker) Activate(ctx context.Context, ev *Event) error {
	if ev == nil {
		return errors.New("activate: nil event")
	}
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	w.mu.Lock()
	h := w.host
	w.mu.Unlock()

	ev.WaitUntil(func() error {
		defer func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if w.state == StateActivating {
				w.state = StateActive
				w.logger.Debug("activated")
			}
		}()

		if err := h.Claim(ctx, w); err != nil {
			w.logger.Warn("failed to claim clients", slog.Any("error", err))
		}
		return w.evict(ctx)
	})
	return nil
}

// evict deletes all namespaces sharing the application prefix.
func (w *Worker) evict(ctx context.Context) error {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.logger.Warn("failed to list caches", slog.Any("error", err))
		return fmt.Errorf("list namespaces: %w", err)
	}

	prefix := w.cfg.Prefix()
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(maxConcurrentDeletes)
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		g.Go(func() error {
			w.logger.Debug("deleting cache", slog.String("name", name))
			if _, err := w.storage.Delete(ctx, name); err != nil {
				w.logger.Warn("failed to delete cache",
					slog.String("name", name),
					slog.Any("error", err))
				err = fmt.Errorf("delete namespace %q: %w", name, err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}
	return errors.Join(errs...)
}

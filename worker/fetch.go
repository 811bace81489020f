package worker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	nethttp "net/http"

	"github.com/meigma/assetcache/fetch"
	"github.com/meigma/assetcache/store"
)

// ShouldCache reports whether req is eligible for the cache: a GET whose URL
// matches the allow pattern and not the deny pattern.
func (w *Worker) ShouldCache(req *nethttp.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method != "" && req.Method != nethttp.MethodGet {
		return false
	}
	return w.rules.Match(req.URL.String())
}

// Fetch handles a fetch event.
//
// handled is false when the worker leaves the request to the network: the
// worker is not active, debug mode is on, or the request is not cacheable.
// The cache is not touched in that case.
//
// Handled requests are answered cache-first. Query strings are ignored when
// matching. On a miss the network response is returned; a 200 same-origin
// response is also stored in the background. Cache failures never fail the
// fetch; network failures are returned unchanged.
func (w *Worker) Fetch(ctx context.Context, req *nethttp.Request) (resp *fetch.Response, handled bool, err error) {
	if w.State() != StateActive || w.cfg.Debug || !w.ShouldCache(req) {
		w.bypassed.Add(1)
		return nil, false, nil
	}

	key := store.KeyFor(req.Method, req.URL, true)
	if entry, ok := w.match(ctx, key); ok {
		w.hits.Add(1)
		return responseFromEntry(entry), true, nil
	}
	w.misses.Add(1)

	resp, err = w.network.Fetch(ctx, req)
	if err != nil {
		return nil, true, err
	}
	if !resp.Cacheable() {
		return resp, true, nil
	}

	body, err := resp.Buffer()
	if err != nil {
		return nil, true, err
	}
	w.put(ctx, key, &store.Entry{
		Status:   resp.StatusCode,
		Type:     resp.Type,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: w.now(),
	})
	return resp, true, nil
}

func (w *Worker) match(ctx context.Context, key string) (*store.Entry, bool) {
	ns, err := w.storage.Open(ctx, w.cfg.CacheName())
	if err != nil {
		w.logger.Warn("failed to open cache", slog.Any("error", err))
		return nil, false
	}
	entry, ok, err := ns.Match(ctx, key)
	if err != nil {
		w.logger.Warn("cache lookup failed", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return entry, ok
}

// put stores entry in the background. The write outlives the request.
// Nothing is written once the worker is no longer active.
func (w *Worker) put(ctx context.Context, key string, entry *store.Entry) {
	w.mu.Lock()
	if state := w.state; state != StateActive {
		w.mu.Unlock()
		w.logger.Debug("dropping cache write", slog.String("key", key), slog.String("state", state.String()))
		return
	}
	w.writes.Add(1)
	w.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer w.writes.Done()
		ns, err := w.storage.Open(ctx, w.cfg.CacheName())
		if err == nil {
			err = ns.Put(ctx, key, entry)
		}
		if err != nil {
			w.writeFailures.Add(1)
			w.logger.Warn("failed to store response", slog.String("key", key), slog.Any("error", err))
			return
		}
		w.stored.Add(1)
	}()
}

func responseFromEntry(e *store.Entry) *fetch.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(nethttp.Header)
	}
	return &fetch.Response{
		StatusCode: e.Status,
		Type:       e.Type,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(e.Body)),
	}
}

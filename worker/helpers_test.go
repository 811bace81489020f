package worker_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/assetcache/config"
	"github.com/meigma/assetcache/fetch"
	"github.com/meigma/assetcache/store"
	"github.com/meigma/assetcache/store/memory"
	"github.com/meigma/assetcache/worker"
)

var errStorage = errors.New("storage unavailable")

func testConfig() config.Config {
	return config.Config{
		AppName:       "app",
		AppVersion:    "1.0.0",
		BuildHash:     "abc",
		CacheURLRegex: config.DefaultCacheURLRegex,
	}
}

// fakeNetwork answers every fetch with a fixed response and counts calls.
type fakeNetwork struct {
	calls  atomic.Int64
	status int
	typ    fetch.Type
	body   string
	err    error
}

func newFakeNetwork(body string) *fakeNetwork {
	return &fakeNetwork{status: nethttp.StatusOK, typ: fetch.TypeBasic, body: body}
}

func (n *fakeNetwork) Fetch(_ context.Context, _ *nethttp.Request) (*fetch.Response, error) {
	n.calls.Add(1)
	if n.err != nil {
		return nil, n.err
	}
	return &fetch.Response{
		StatusCode: n.status,
		Type:       n.typ,
		Header:     nethttp.Header{"Content-Type": {"application/octet-stream"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(n.body))),
	}, nil
}

// spyStorage wraps a storage and counts accesses. Failures can be injected.
type spyStorage struct {
	store.Storage

	opens   atomic.Int64
	matches atomic.Int64
	puts    atomic.Int64
	deletes atomic.Int64

	failOpen   bool
	failMatch  bool
	failPut    bool
	failDelete map[string]bool
}

func newSpyStorage() *spyStorage {
	return &spyStorage{Storage: memory.New()}
}

func (s *spyStorage) Open(ctx context.Context, name string) (store.Namespace, error) {
	s.opens.Add(1)
	if s.failOpen {
		return nil, errStorage
	}
	ns, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &spyNamespace{Namespace: ns, spy: s}, nil
}

func (s *spyStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.deletes.Add(1)
	if s.failDelete[name] {
		return false, errStorage
	}
	return s.Storage.Delete(ctx, name)
}

func (s *spyStorage) touched() int64 {
	return s.opens.Load() + s.matches.Load() + s.puts.Load()
}

type spyNamespace struct {
	store.Namespace
	spy *spyStorage
}

func (n *spyNamespace) Match(ctx context.Context, key string) (*store.Entry, bool, error) {
	n.spy.matches.Add(1)
	if n.spy.failMatch {
		return nil, false, errStorage
	}
	return n.Namespace.Match(ctx, key)
}

func (n *spyNamespace) Put(ctx context.Context, key string, e *store.Entry) error {
	n.spy.puts.Add(1)
	if n.spy.failPut {
		return errStorage
	}
	return n.Namespace.Put(ctx, key, e)
}

// fakeHost records claims and skip-waiting requests.
type fakeHost struct {
	mu          sync.Mutex
	claimed     []*worker.Worker
	skipWaiting []*worker.Worker
	claimErr    error
}

func (h *fakeHost) Claim(_ context.Context, w *worker.Worker) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claimed = append(h.claimed, w)
	return h.claimErr
}

func (h *fakeHost) SkipWaiting(_ context.Context, w *worker.Worker) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skipWaiting = append(h.skipWaiting, w)
	return nil
}

// newActiveWorker builds a worker and runs it through install and activate.
func newActiveWorker(t *testing.T, cfg config.Config, s store.Storage, n fetch.Fetcher) *worker.Worker {
	t.Helper()
	w, err := worker.New(cfg, s, n)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, w.Install(ctx, nil))
	ev := worker.NewEvent()
	require.NoError(t, w.Activate(ctx, ev))
	require.NoError(t, ev.Wait())
	require.Equal(t, worker.StateActive, w.State())
	return w
}

func getRequest(t *testing.T, rawURL string) *nethttp.Request {
	t.Helper()
	req, err := nethttp.NewRequest(nethttp.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *fetch.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func seed(t *testing.T, s store.Storage, namespace, rawURL string, e *store.Entry) {
	t.Helper()
	ctx := context.Background()
	ns, err := s.Open(ctx, namespace)
	require.NoError(t, err)
	req := getRequest(t, rawURL)
	require.NoError(t, ns.Put(ctx, store.KeyFor(req.Method, req.URL, true), e))
}

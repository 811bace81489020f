package disk

import (
	"bytes"
	"context"
	"errors"
	nethttp "net/http"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/assetcache/fetch"
	"github.com/meigma/assetcache/store"
)

const testKey = "GET https://app.test/static/logo.png"

func newTestStorage(t *testing.T, dir string, opts ...Option) *Storage {
	t.Helper()
	s, err := New(dir, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(body string) *store.Entry {
	return &store.Entry{
		Status:   nethttp.StatusOK,
		Type:     fetch.TypeBasic,
		Header:   nethttp.Header{"Content-Type": {"image/png"}},
		Body:     []byte(body),
		StoredAt: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func TestNamespacePutMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t, t.TempDir())

	ns, err := s.Open(ctx, "app-cache-abc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	want := testEntry("png bytes")
	if err := ns.Put(ctx, testKey, want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok, err := ns.Match(ctx, testKey)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if !ok {
		t.Fatal("Match() ok = false, want true")
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Match() = %+v, want %+v", got, want)
	}
	if s.SizeBytes() <= 0 {
		t.Fatalf("SizeBytes() = %d, want > 0", s.SizeBytes())
	}
}

func TestNamespaceMatchMiss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t, t.TempDir())
	ns, err := s.Open(ctx, "app-cache-abc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	got, ok, err := ns.Match(ctx, testKey)
	if err != nil || ok || got != nil {
		t.Fatalf("Match() = %v, %v, %v; want nil, false, nil", got, ok, err)
	}
}

func TestNamespacePutReplaces(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t, t.TempDir())
	ns, err := s.Open(ctx, "app-cache-abc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := ns.Put(ctx, testKey, testEntry("first version")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := ns.Put(ctx, testKey, testEntry("v2")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok, err := ns.Match(ctx, testKey)
	if err != nil || !ok {
		t.Fatalf("Match() ok = %v, err = %v", ok, err)
	}
	if string(got.Body) != "v2" {
		t.Fatalf("Match() body = %q, want %q", got.Body, "v2")
	}

	size, err := dirSize(s.dir)
	if err != nil {
		t.Fatalf("dirSize() error = %v", err)
	}
	if s.SizeBytes() != size {
		t.Fatalf("SizeBytes() = %d, want %d", s.SizeBytes(), size)
	}
}

func TestStoragePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	first, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ns, err := first.Open(ctx, "app-cache-abc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := ns.Put(ctx, testKey, testEntry("persisted")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second := newTestStorage(t, dir)
	if second.SizeBytes() != first.SizeBytes() {
		t.Fatalf("SizeBytes() after reopen = %d, want %d", second.SizeBytes(), first.SizeBytes())
	}
	keys, err := second.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"app-cache-abc"}) {
		t.Fatalf("Keys() = %v, want [app-cache-abc]", keys)
	}
	ns, err = second.Open(ctx, "app-cache-abc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, ok, err := ns.Match(ctx, testKey)
	if err != nil || !ok {
		t.Fatalf("Match() ok = %v, err = %v", ok, err)
	}
	if string(got.Body) != "persisted" {
		t.Fatalf("Match() body = %q, want %q", got.Body, "persisted")
	}
}

func TestStorageKeysAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t, t.TempDir())
	for _, name := range []string{"app-cache-new", "app-cache-old", "other/app:cache"} {
		ns, err := s.Open(ctx, name)
		if err != nil {
			t.Fatalf("Open(%q) error = %v", name, err)
		}
		if err := ns.Put(ctx, testKey, testEntry(name)); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	// Stray files and directories in the root are not namespaces.
	if err := os.WriteFile(filepath.Join(s.dir, "README"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.Mkdir(filepath.Join(s.dir, "ns-zz"), 0o700); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	want := []string{"app-cache-new", "app-cache-old", "other/app:cache"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}

	before := s.SizeBytes()
	existed, err := s.Delete(ctx, "app-cache-old")
	if err != nil || !existed {
		t.Fatalf("Delete() = %v, %v; want true, nil", existed, err)
	}
	if s.SizeBytes() >= before {
		t.Fatalf("SizeBytes() = %d after delete, want < %d", s.SizeBytes(), before)
	}
	existed, err = s.Delete(ctx, "app-cache-old")
	if err != nil || existed {
		t.Fatalf("second Delete() = %v, %v; want false, nil", existed, err)
	}

	keys, err = s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	want = []string{"app-cache-new", "other/app:cache"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}
}

func TestNamespaceMatchDropsCorruptEntry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		corrupt func(data []byte) []byte
	}{
		{
			name:    "truncated",
			corrupt: func(data []byte) []byte { return data[:len(data)-3] },
		},
		{
			name:    "no metadata line",
			corrupt: func([]byte) []byte { return []byte("garbage") },
		},
		{
			name: "bad metadata",
			corrupt: func(data []byte) []byte {
				_, rest, _ := bytes.Cut(data, []byte{'\n'})
				return append([]byte("{not json}\n"), rest...)
			},
		},
		{
			name: "wrong key",
			corrupt: func(data []byte) []byte {
				return bytes.Replace(data, []byte("logo.png"), []byte("logo.gif"), 1)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			s := newTestStorage(t, t.TempDir())
			nsIface, err := s.Open(ctx, "app-cache-abc")
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			ns := nsIface.(*Namespace)
			if err := ns.Put(ctx, testKey, testEntry("content to corrupt")); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			path := filepath.Join(s.dir, ns.path(testKey))
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if err := os.WriteFile(path, tt.corrupt(data), 0o600); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}

			_, ok, err := ns.Match(ctx, testKey)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if ok {
				t.Fatal("Match() ok = true for corrupt entry")
			}
			if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("corrupt entry still on disk: %v", err)
			}
		})
	}
}

func TestNamespacePathSharding(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hexHash := digest.FromString(testKey).Encoded()

	tests := []struct {
		name string
		opts []Option
		want func(nsDir string) string
	}{
		{
			name: "default",
			want: func(nsDir string) string { return filepath.Join(nsDir, hexHash[:defaultShardPrefixLen], hexHash) },
		},
		{
			name: "disabled",
			opts: []Option{WithShardPrefixLen(0)},
			want: func(nsDir string) string { return filepath.Join(nsDir, hexHash) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newTestStorage(t, t.TempDir(), tt.opts...)
			ns, err := s.Open(ctx, "app-cache-abc")
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if err := ns.Put(ctx, testKey, testEntry("x")); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			path := filepath.Join(s.dir, tt.want(namespaceDir("app-cache-abc")))
			if _, err := os.Stat(path); err != nil {
				t.Fatalf("expected entry file at %s: %v", path, err)
			}
		})
	}
}

func TestStorageMaxBytesPrunesOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	probe := newTestStorage(t, t.TempDir())
	sample, err := probe.encode("GET https://app.test/a.js", testEntry("aaaaaaaaaa"))
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}

	// Room for two entries, not three.
	s := newTestStorage(t, dir, WithMaxBytes(int64(len(sample))*2+int64(len(sample))/2))
	ns, err := s.Open(ctx, "app-cache-abc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	keys := []string{"GET https://app.test/a.js", "GET https://app.test/b.js", "GET https://app.test/c.js"}
	base := time.Now().Add(-time.Hour)
	for i, key := range keys {
		if err := ns.Put(ctx, key, testEntry("aaaaaaaaaa")); err != nil {
			t.Fatalf("Put(%q) error = %v", key, err)
		}
		// Make write order visible to the mtime-based prune.
		path := filepath.Join(dir, ns.(*Namespace).path(key))
		mtime := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("Chtimes() error = %v", err)
		}
	}

	if s.SizeBytes() > s.MaxBytes() {
		t.Fatalf("SizeBytes() = %d exceeds MaxBytes() = %d", s.SizeBytes(), s.MaxBytes())
	}
	if _, ok, _ := ns.Match(ctx, keys[0]); ok {
		t.Fatal("oldest entry should have been pruned")
	}
	for _, key := range keys[1:] {
		if _, ok, err := ns.Match(ctx, key); err != nil || !ok {
			t.Fatalf("Match(%q) ok = %v, err = %v", key, ok, err)
		}
	}
}

func TestStorageSkipsEntryOverLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t, t.TempDir(), WithMaxBytes(16))
	ns, err := s.Open(ctx, "app-cache-abc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := ns.Put(ctx, testKey, testEntry("this body is larger than the limit")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok, _ := ns.Match(ctx, testKey); ok {
		t.Fatal("entry over the size limit should not be stored")
	}
}

func TestPruneKeepsWritesInProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	s := newTestStorage(t, dir)
	ns, err := s.Open(ctx, "app-cache-abc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := ns.Put(ctx, testKey, testEntry("committed")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// A temp file left by a concurrent Put, older than every entry.
	tmp := filepath.Join(dir, ns.(*Namespace).dir, tempFilePrefix+"0123456789abcdef")
	if err := os.WriteFile(tmp, []byte("partial"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(tmp, old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	if _, err := s.Prune(0); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if _, err := os.Stat(tmp); err != nil {
		t.Fatalf("temp file was pruned: %v", err)
	}
	if _, ok, _ := ns.Match(ctx, testKey); ok {
		t.Fatal("committed entry should have been pruned")
	}
	if got := s.SizeBytes(); got != 0 {
		t.Fatalf("SizeBytes() = %d, want 0", got)
	}
}

func TestStorageClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ns, err := s.Open(ctx, "app-cache-abc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if _, err := s.Keys(ctx); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("Keys() error = %v, want ErrClosed", err)
	}
	if err := ns.Put(ctx, testKey, testEntry("x")); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("Put() error = %v, want ErrClosed", err)
	}
}

func TestNewInvalidOptions(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") error = nil, want error")
	}
	if _, err := New(t.TempDir(), WithShardPrefixLen(-1)); err == nil {
		t.Fatal("New() with negative shard prefix error = nil, want error")
	}
	if _, err := New(t.TempDir(), WithMaxBytes(-1)); err == nil {
		t.Fatal("New() with negative max bytes error = nil, want error")
	}
}

func TestOpenInvalidName(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t, t.TempDir())
	if _, err := s.Open(context.Background(), ""); !errors.Is(err, store.ErrInvalidNamespace) {
		t.Fatalf("Open(\"\") error = %v, want ErrInvalidNamespace", err)
	}
}

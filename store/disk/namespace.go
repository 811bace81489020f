package disk

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/assetcache/fetch"
	"github.com/meigma/assetcache/store"
)

// entryMeta is the JSON line that precedes the compressed body.
type entryMeta struct {
	Key        string              `json:"key"`
	Status     int                 `json:"status"`
	Type       fetch.Type          `json:"type"`
	Header     map[string][]string `json:"header,omitempty"`
	StoredAt   time.Time           `json:"stored_at"`
	BodyDigest digest.Digest       `json:"body_digest"`
	BodySize   int64               `json:"body_size"`
}

// Keys lists namespace names in lexical order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	return sortedNames(entries), nil
}

// Open returns the named namespace, creating its directory if needed.
func (s *Storage) Open(ctx context.Context, name string) (store.Namespace, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := store.ValidateName(name); err != nil {
		return nil, err
	}
	dir := namespaceDir(name)
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return nil, fmt.Errorf("open storage root: %w", err)
	}
	defer root.Close()
	if err := root.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, fmt.Errorf("create namespace %q: %w", name, err)
	}
	return &Namespace{storage: s, name: name, dir: dir}, nil
}

// Delete removes the named namespace and its entries.
// A handle opened before the delete recreates the directory on its next Put.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if err := store.ValidateName(name); err != nil {
		return false, err
	}
	dir := namespaceDir(name)
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return false, fmt.Errorf("open storage root: %w", err)
	}
	defer root.Close()

	if _, err := root.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat namespace %q: %w", name, err)
	}
	if err := root.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete namespace %q: %w", name, err)
	}
	s.resync()
	return true, nil
}

func (s *Storage) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return ctx.Err()
}

// Namespace is a disk-backed store.Namespace.
type Namespace struct {
	storage *Storage
	name    string
	dir     string
}

// Match returns the entry stored under key.
//
// Entries that fail to decode, whose key does not match, or whose body does
// not match its digest are deleted and reported as misses.
func (n *Namespace) Match(ctx context.Context, key string) (*store.Entry, bool, error) {
	s := n.storage
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return nil, false, fmt.Errorf("open storage root: %w", err)
	}
	defer root.Close()

	path := n.path(key)
	data, err := root.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read entry: %w", err)
	}

	e, err := s.decode(data, key)
	if err != nil {
		s.logger.Debug("dropping corrupt cache entry",
			slog.String("namespace", n.name),
			slog.String("key", key),
			slog.Any("error", err))
		_ = n.deleteByPath(root, path)
		return nil, false, nil
	}
	return e, true, nil
}

// Put stores e under key, replacing any previous entry atomically.
// Entries larger than the size limit are skipped silently.
func (n *Namespace) Put(ctx context.Context, key string, e *store.Entry) error {
	s := n.storage
	if err := s.check(ctx); err != nil {
		return err
	}
	data, err := s.encode(key, e)
	if err != nil {
		return err
	}

	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return fmt.Errorf("open storage root: %w", err)
	}
	defer root.Close()

	path := n.path(key)
	var previous int64
	if info, statErr := root.Stat(path); statErr == nil {
		previous = info.Size()
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return fmt.Errorf("stat entry: %w", statErr)
	}

	written := int64(len(data))
	if ok, err := s.ensureCapacity(written - previous); err != nil {
		return err
	} else if !ok {
		s.logger.Debug("skipping cache entry over size limit",
			slog.String("namespace", n.name),
			slog.String("key", key),
			slog.Int64("size", written))
		return nil // storage full, skip silently
	}

	dir := filepath.Dir(path)
	if err := root.MkdirAll(dir, s.dirPerm); err != nil {
		return fmt.Errorf("create entry dir: %w", err)
	}

	tmp, tmpPath, err := createTemp(root, dir, tempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp entry file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = root.Remove(tmpPath)
		return fmt.Errorf("write entry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = root.Remove(tmpPath)
		return fmt.Errorf("close entry file: %w", err)
	}

	// Re-stat right before the rename; the prune above may have removed the
	// previous entry already.
	previous = 0
	if info, statErr := root.Stat(path); statErr == nil {
		previous = info.Size()
	}
	if err := root.Rename(tmpPath, path); err != nil {
		_ = root.Remove(tmpPath)
		return fmt.Errorf("rename entry file: %w", err)
	}
	s.bytes.Add(written - previous)
	return nil
}

func (n *Namespace) path(key string) string {
	hexHash := digest.FromString(key).Encoded()
	if n.storage.shardPrefixLen <= 0 {
		return filepath.Join(n.dir, hexHash)
	}
	prefixLen := min(n.storage.shardPrefixLen, len(hexHash))
	return filepath.Join(n.dir, hexHash[:prefixLen], hexHash)
}

func (n *Namespace) deleteByPath(root *os.Root, path string) error {
	info, err := root.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := root.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	n.storage.bytes.Add(-info.Size())
	return nil
}

func (s *Storage) encode(key string, e *store.Entry) ([]byte, error) {
	if e == nil {
		return nil, errors.New("entry is nil")
	}
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = s.now()
	}
	meta := entryMeta{
		Key:        key,
		Status:     e.Status,
		Type:       e.Type,
		Header:     e.Header,
		StoredAt:   storedAt.UTC(),
		BodyDigest: digest.FromBytes(e.Body),
		BodySize:   int64(len(e.Body)),
	}
	line, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode entry metadata: %w", err)
	}
	buf := make([]byte, 0, len(line)+1+len(e.Body)/2)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	return s.enc.EncodeAll(e.Body, buf), nil
}

func (s *Storage) decode(data []byte, key string) (*store.Entry, error) {
	line, compressed, ok := bytes.Cut(data, []byte{'\n'})
	if !ok {
		return nil, errors.New("missing metadata line")
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return nil, fmt.Errorf("decode entry metadata: %w", err)
	}
	if meta.Key != key {
		return nil, fmt.Errorf("entry key %q does not match %q", meta.Key, key)
	}
	body, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress entry body: %w", err)
	}
	if int64(len(body)) != meta.BodySize {
		return nil, fmt.Errorf("entry body size %d, want %d", len(body), meta.BodySize)
	}
	match, err := digestMatches(meta.BodyDigest, body)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, errors.New("entry body digest mismatch")
	}
	return &store.Entry{
		Status:   meta.Status,
		Type:     meta.Type,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

// digestMatches reports whether data hashes to dgst.
func digestMatches(dgst digest.Digest, data []byte) (bool, error) {
	if err := dgst.Validate(); err != nil {
		return false, fmt.Errorf("validate digest %q: %w", dgst, err)
	}
	algo := dgst.Algorithm()
	if !algo.Available() {
		return false, fmt.Errorf("digest algorithm %q unavailable", algo)
	}
	return algo.FromBytes(data) == dgst, nil
}

func createTemp(root *os.Root, dir, pattern string) (*os.File, string, error) {
	if !strings.Contains(pattern, "*") {
		pattern += "*"
	}
	if dir == "" {
		dir = "."
	}

	for tries := 0; tries < 10000; tries++ {
		var randBytes [8]byte
		if _, err := rand.Read(randBytes[:]); err != nil {
			return nil, "", err
		}
		name := strings.Replace(pattern, "*", hex.EncodeToString(randBytes[:]), 1)
		path := filepath.Join(dir, name)
		f, err := root.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return f, path, nil
	}

	return nil, "", errors.New("failed to create temp file")
}

// Package disk provides a persistent, disk-backed implementation of
// store.Storage.
//
// Each namespace is a directory under the storage root. Entries are
// addressed by the SHA256 digest of their request key and sharded by digest
// prefix. An entry file holds one line of JSON metadata followed by the
// zstd-compressed body. Entries are validated on read; corrupted entries
// are deleted and reported as misses.
package disk

import (
	_ "crypto/sha256" // registers the canonical digest algorithm
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	namespaceDirPrefix    = "ns-"
)

// Storage implements store.Storage on the local filesystem.
// It is safe for concurrent use.
type Storage struct {
	dir            string       // root directory for namespaces
	shardPrefixLen int          // number of hex chars for subdirectory sharding
	dirPerm        os.FileMode  // permissions for created directories
	maxBytes       int64        // maximum storage size (0 = unlimited)
	bytes          atomic.Int64 // current total size of entry files
	pruneMu        sync.Mutex   // serializes prune operations
	closed         atomic.Bool

	enc    *zstd.Encoder
	dec    *zstd.Decoder
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a disk storage.
type Option func(*Storage)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Storage) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for storage directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Storage) {
		s.dirPerm = mode
	}
}

// WithMaxBytes sets the maximum storage size in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(s *Storage) {
		s.maxBytes = n
	}
}

// WithLogger sets the logger used to report dropped entries.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used to stamp entries stored without a time.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a disk-backed storage rooted at dir.
func New(dir string, opts ...Option) (*Storage, error) {
	if dir == "" {
		return nil, errors.New("storage dir is empty")
	}
	s := &Storage{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		now:            time.Now,
		logger:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if s.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	s.bytes.Store(size)

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	s.enc = enc
	s.dec = dec
	return s, nil
}

// Close releases the compression state. Further use returns store.ErrClosed.
// Close is safe to call multiple times.
func (s *Storage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.enc.Close()
	s.dec.Close()
	return err
}

// MaxBytes returns the configured size limit (0 = unlimited).
func (s *Storage) MaxBytes() int64 {
	return s.maxBytes
}

// SizeBytes returns the current size of all entry files in bytes.
func (s *Storage) SizeBytes() int64 {
	return s.bytes.Load()
}

// Prune removes the oldest entries until the storage is at or below
// targetBytes. Returns the number of bytes freed.
func (s *Storage) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	freed, remaining, err := pruneDir(s.dir, targetBytes)
	if err != nil {
		return 0, err
	}
	s.bytes.Store(remaining)
	return freed, nil
}

func (s *Storage) ensureCapacity(need int64) (bool, error) {
	if s.maxBytes <= 0 {
		return true, nil
	}
	if need > s.maxBytes {
		return false, nil
	}
	if s.SizeBytes()+need <= s.maxBytes {
		return true, nil
	}
	if _, err := s.Prune(s.maxBytes - need); err != nil {
		return false, err
	}
	return s.SizeBytes()+need <= s.maxBytes, nil
}

func (s *Storage) resync() {
	if size, err := dirSize(s.dir); err == nil {
		s.bytes.Store(size)
	}
}

// namespaceDir maps a namespace name to its directory name. Names are hex
// encoded so any name is a safe, reversible path element.
func namespaceDir(name string) string {
	return namespaceDirPrefix + hex.EncodeToString([]byte(name))
}

func namespaceName(dir string) (string, bool) {
	encoded, ok := strings.CutPrefix(dir, namespaceDirPrefix)
	if !ok || encoded == "" {
		return "", false
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func sortedNames(entries []os.DirEntry) []string {
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if name, ok := namespaceName(entry.Name()); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

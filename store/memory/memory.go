// Package memory provides an in-memory implementation of store.Storage.
//
// It is the storage used in debug runs and tests. Entries are deep-copied on
// the way in and on the way out so callers can never alias stored bytes.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/meigma/assetcache/store"
)

// Storage is a concurrency-safe in-memory store.Storage.
type Storage struct {
	mu         sync.RWMutex
	namespaces map[string]*Namespace
	now        func() time.Time
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock sets the clock used to stamp entries stored without a time.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty Storage.
func New(opts ...Option) *Storage {
	s := &Storage{
		namespaces: make(map[string]*Namespace),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys returns namespace names in lexical order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Open returns the named namespace, creating it if needed.
func (s *Storage) Open(ctx context.Context, name string) (store.Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := store.ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[name]
	if !ok {
		ns = &Namespace{entries: make(map[string]*store.Entry), now: s.now}
		s.namespaces[name] = ns
	}
	return ns, nil
}

// Delete removes the named namespace.
// Handles opened before the delete keep working but are detached.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.namespaces[name]
	delete(s.namespaces, name)
	return ok, nil
}

// Namespace is an in-memory store.Namespace.
type Namespace struct {
	mu      sync.RWMutex
	entries map[string]*store.Entry
	now     func() time.Time
}

// Match returns a copy of the entry stored under key.
func (n *Namespace) Match(ctx context.Context, key string) (*store.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.entries[key]
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

// Put stores a copy of e under key.
func (n *Namespace) Put(ctx context.Context, key string, e *store.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e == nil {
		return errors.New("entry is nil")
	}
	c := e.Clone()
	if c.StoredAt.IsZero() {
		c.StoredAt = n.now()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries[key] = c
	return nil
}

// Len returns the number of entries.
func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.entries)
}

package store

import (
	"bytes"
	"context"
	"errors"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meigma/assetcache/fetch"
)

var (
	// ErrInvalidNamespace is returned for an empty or malformed namespace name.
	ErrInvalidNamespace = errors.New("invalid namespace name")

	// ErrClosed is returned when a storage is used after Close.
	ErrClosed = errors.New("storage is closed")
)

// Entry is a captured response. Entries are replaced wholesale, never
// modified in place.
type Entry struct {
	Status   int
	Type     fetch.Type
	Header   nethttp.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	return &Entry{
		Status:   e.Status,
		Type:     e.Type,
		Header:   e.Header.Clone(),
		Body:     bytes.Clone(e.Body),
		StoredAt: e.StoredAt,
	}
}

// Namespace is a single named key-value store of entries.
type Namespace interface {
	// Match returns the entry stored under key.
	// Returns nil, false, nil if no entry exists.
	Match(ctx context.Context, key string) (*Entry, bool, error)

	// Put stores e under key, replacing any previous entry.
	Put(ctx context.Context, key string, e *Entry) error
}

// Storage holds namespaces.
type Storage interface {
	// Keys lists the names of all existing namespaces.
	Keys(ctx context.Context) ([]string, error)

	// Open returns the namespace with the given name, creating it lazily.
	Open(ctx context.Context, name string) (Namespace, error)

	// Delete removes a namespace and all of its entries.
	// It reports whether the namespace existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// KeyFor returns the normalized cache key for a request: the upper-cased
// method and the URL without fragment. With ignoreSearch the query string is
// dropped too, so requests differing only by query share an entry.
func KeyFor(method string, u *url.URL, ignoreSearch bool) string {
	if method == "" {
		method = nethttp.MethodGet
	}
	normalized := *u
	normalized.User = nil
	normalized.Fragment = ""
	normalized.RawFragment = ""
	if ignoreSearch {
		normalized.RawQuery = ""
		normalized.ForceQuery = false
	}
	return strings.ToUpper(method) + " " + normalized.String()
}

// ValidateName checks that name can be used as a namespace name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidNamespace
	}
	return nil
}

// Package network implements the network side of a fetch on top of
// net/http.
//
// The Fetcher behaves like a page-initiated fetch in manual redirect mode:
// redirects are returned, not followed, and every response is classified
// by how it relates to the fetcher's origin.
package network

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/meigma/assetcache/fetch"
)

// Fetcher performs fetches over HTTP. It implements fetch.Fetcher.
type Fetcher struct {
	client  *nethttp.Client
	headers nethttp.Header
	origin  *url.URL
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for requests. The client is copied;
// its redirect policy is replaced so redirects are never followed.
func WithClient(client *nethttp.Client) Option {
	return func(f *Fetcher) {
		if client == nil {
			return
		}
		c := *client
		f.client = &c
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Fetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		if f.headers == nil {
			f.headers = make(nethttp.Header)
		}
		f.headers.Set(key, value)
	}
}

// WithOrigin sets the origin responses are classified against. Without an
// origin every response counts as same-origin.
func WithOrigin(origin *url.URL) Option {
	return func(f *Fetcher) {
		if origin == nil {
			return
		}
		f.origin = &url.URL{Scheme: strings.ToLower(origin.Scheme), Host: strings.ToLower(origin.Host)}
	}
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{client: &nethttp.Client{}}
	for _, opt := range opts {
		opt(f)
	}
	f.client.CheckRedirect = func(*nethttp.Request, []*nethttp.Request) error {
		return nethttp.ErrUseLastResponse
	}
	return f
}

// Fetch sends req and returns the classified response. Transport failures
// are returned as errors; HTTP error statuses are not.
func (f *Fetcher) Fetch(ctx context.Context, req *nethttp.Request) (*fetch.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch: nil request")
	}
	out := req.Clone(ctx)
	out.RequestURI = ""
	if out.Header == nil {
		out.Header = make(nethttp.Header)
	}
	for key, values := range f.headers {
		out.Header[key] = append([]string(nil), values...)
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}
	return fetch.FromHTTP(resp, f.classify(req.URL, resp)), nil
}

// classify assigns the response type a browser would report for resp.
func (f *Fetcher) classify(u *url.URL, resp *nethttp.Response) fetch.Type {
	if isRedirect(resp.StatusCode) && resp.Header.Get("Location") != "" {
		return fetch.TypeOpaqueRedirect
	}
	if f.sameOrigin(u) {
		return fetch.TypeBasic
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		return fetch.TypeCORS
	}
	return fetch.TypeOpaque
}

func (f *Fetcher) sameOrigin(u *url.URL) bool {
	if f.origin == nil {
		return true
	}
	return strings.EqualFold(u.Scheme, f.origin.Scheme) && strings.EqualFold(u.Host, f.origin.Host)
}

func isRedirect(status int) bool {
	switch status {
	case nethttp.StatusMovedPermanently, nethttp.StatusFound, nethttp.StatusSeeOther,
		nethttp.StatusTemporaryRedirect, nethttp.StatusPermanentRedirect:
		return true
	}
	return false
}

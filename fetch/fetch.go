package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	nethttp "net/http"
)

// Type classifies how a response was obtained.
type Type string

// Response types.
const (
	// TypeBasic is a same-origin response with all headers exposed.
	TypeBasic Type = "basic"
	// TypeCORS is a cross-origin response the origin explicitly shared.
	TypeCORS Type = "cors"
	// TypeOpaque is a cross-origin response the page cannot inspect.
	TypeOpaque Type = "opaque"
	// TypeOpaqueRedirect is a redirect that was not followed.
	TypeOpaqueRedirect Type = "opaqueredirect"
	// TypeError is a network error response.
	TypeError Type = "error"
)

// Response is the result of a fetch. The body can be read once.
type Response struct {
	StatusCode int
	Type       Type
	Header     nethttp.Header
	Body       io.ReadCloser
}

// Cacheable reports whether the response may be stored: a 200 obtained from
// the same origin.
func (r *Response) Cacheable() bool {
	return r != nil && r.StatusCode == nethttp.StatusOK && r.Type == TypeBasic
}

// Buffer reads the body to completion and replaces it with an in-memory
// reader over the same bytes. The returned slice is a copy the caller owns.
func (r *Response) Buffer() ([]byte, error) {
	if r.Body == nil {
		r.Body = nethttp.NoBody
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	closeErr := r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close response body: %w", closeErr)
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return bytes.Clone(data), nil
}

// FromHTTP wraps an *http.Response. The body is taken over, not copied.
func FromHTTP(resp *nethttp.Response, typ Type) *Response {
	return &Response{
		StatusCode: resp.StatusCode,
		Type:       typ,
		Header:     resp.Header,
		Body:       resp.Body,
	}
}

// HTTP converts r into an *http.Response answering req.
func (r *Response) HTTP(req *nethttp.Request) *nethttp.Response {
	header := r.Header
	if header == nil {
		header = make(nethttp.Header)
	}
	body := r.Body
	if body == nil {
		body = nethttp.NoBody
	}
	return &nethttp.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, nethttp.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          body,
		ContentLength: -1,
		Request:       req,
	}
}

// Fetcher performs network fetches.
type Fetcher interface {
	Fetch(ctx context.Context, req *nethttp.Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *nethttp.Request) (*Response, error)

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req *nethttp.Request) (*Response, error) {
	return f(ctx, req)
}

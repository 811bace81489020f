// Package fetch defines the response model shared by the worker, the
// network fetcher and the host.
//
// A [Response] mirrors what a page sees from a fetch: a status, a response
// type describing how the response was obtained, headers and a body that can
// be read once.
package fetch

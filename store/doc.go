// Package store defines the storage capability the asset cache worker runs
// against.
//
// Storage holds named namespaces, one per application build. Each namespace
// maps a normalized request key to an immutable [Entry]. Implementations
// live in the memory and disk subpackages and must be safe for concurrent
// use.
package store

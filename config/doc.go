// Package config resolves the asset cache worker configuration.
//
// Release builds inject the application name, version, build hash and URL
// patterns as string constants (see [Placeholders]). Development builds
// leave the placeholders in place; [Resolve] detects them by prefix, falls
// back to defaults and switches the worker to debug passthrough. The
// resolved [Config] is immutable and is passed by value to everything that
// needs it.
package config

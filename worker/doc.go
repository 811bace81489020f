// Package worker implements the asset cache worker.
//
// A Worker is driven by lifecycle events from its host. It moves through
// Uninitialized, Installed, Activating and Active exactly once; a newer
// worker instance supersedes it on update.
//
// While active it intercepts fetches. Requests for allow-listed assets are
// answered cache-first from the namespace "{app}-cache-{hash}"; misses go to
// the network and successful same-origin responses are stored in the
// background. Everything else is left to the network. Activation evicts
// every namespace previous builds of the application left behind.
package worker

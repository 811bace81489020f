// Package host runs asset cache workers the way a browser runs service
// workers.
//
// A Host keeps at most one active worker and at most one waiting worker.
// Registering the first worker activates it immediately; later workers wait
// until a client asks them to skip waiting. The active worker claims all
// clients during activation and from then on sees every fetch. Requests the
// worker does not handle go straight to the network.
//
// Host implements http.RoundTripper so it can sit behind
// httputil.ReverseProxy, and MessageHandler exposes the client message
// channel over HTTP.
package host

package host

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	nethttp "net/http"
	"net/http/httputil"
	"net/url"

	"github.com/meigma/assetcache/worker"
)

// MessagePath is the route on which Handler accepts client messages.
const MessagePath = "/__assetcache/message"

// maxMessageBytes bounds the size of a client message body.
const maxMessageBytes = 4 << 10

// Handler returns an http.Handler that proxies every request to upstream
// through h, and accepts client messages on MessagePath.
func Handler(h *Host, upstream *url.URL) (nethttp.Handler, error) {
	if h == nil {
		return nil, errors.New("handler: nil host")
	}
	if upstream == nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, errors.New("handler: upstream must be an absolute URL")
	}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(upstream)
			r.SetXForwarded()
		},
		Transport: h,
		ErrorHandler: func(w nethttp.ResponseWriter, r *nethttp.Request, err error) {
			h.logger.Warn("upstream fetch failed",
				slog.String("url", r.URL.Redacted()),
				slog.Any("error", err))
			w.WriteHeader(nethttp.StatusBadGateway)
		},
	}

	mux := nethttp.NewServeMux()
	mux.Handle(MessagePath, MessageHandler(h))
	mux.Handle("/", proxy)
	return mux, nil
}

// MessageHandler returns an http.Handler that decodes a JSON message such as
// {"type":"activate"} and posts it to h.
func MessageHandler(h *Host) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			w.Header().Set("Allow", nethttp.MethodPost)
			nethttp.Error(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		var msg worker.Message
		if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes)).Decode(&msg); err != nil {
			nethttp.Error(w, "invalid message", nethttp.StatusBadRequest)
			return
		}
		if err := h.Post(r.Context(), msg); err != nil {
			h.logger.Warn("message failed", slog.String("type", msg.Type), slog.Any("error", err))
			nethttp.Error(w, "message failed", nethttp.StatusInternalServerError)
			return
		}
		w.WriteHeader(nethttp.StatusAccepted)
	})
}

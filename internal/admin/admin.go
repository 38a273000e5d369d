// Package admin implements the process-internal administrative HTTP
// server: liveness/readiness probes and Prometheus metrics. Adapted from
// pkg/admin/admin.go in the teacher repo.
package admin

import (
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type handler struct {
	promHandler http.Handler
	enablePprof bool
	ready       *bool
}

// NewServer returns an initialized *http.Server, configured to listen on
// addr. ready is polled on every /ready request; pass a pointer the caller
// flips to true once the registry and REST surface are serving.
func NewServer(addr string, enablePprof bool, ready *bool) *http.Server {
	h := &handler{
		promHandler: promhttp.Handler(),
		enablePprof: enablePprof,
		ready:       ready,
	}

	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	const debugPathPrefix = "/debug/pprof/"
	if h.enablePprof && strings.HasPrefix(req.URL.Path, debugPathPrefix) {
		switch req.URL.Path {
		case debugPathPrefix + "cmdline":
			pprof.Cmdline(w, req)
		case debugPathPrefix + "profile":
			pprof.Profile(w, req)
		case debugPathPrefix + "trace":
			pprof.Trace(w, req)
		case debugPathPrefix + "symbol":
			pprof.Symbol(w, req)
		default:
			pprof.Index(w, req)
		}
		return
	}

	switch req.URL.Path {
	case "/metrics":
		h.promHandler.ServeHTTP(w, req)
	case "/ping":
		h.servePing(w)
	case "/ready":
		h.serveReady(w)
	default:
		http.NotFound(w, req)
	}
}

func (h *handler) servePing(w http.ResponseWriter) {
	w.Write([]byte("pong\n"))
}

func (h *handler) serveReady(w http.ResponseWriter) {
	if h.ready != nil && !*h.ready {
		http.Error(w, "not ready\n", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}

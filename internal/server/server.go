// Package server implements the HTTP surface of the graphauth sidecar.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eugener/graphauth/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Forwarder relays a request upstream. It must not write to w when it
// returns an error before the upstream responded; errors after that wrap
// graphauth.ErrResponseStarted.
type Forwarder interface {
	Forward(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Upstream   Forwarder
	ReadyCheck ReadyChecker        // nil = always ready (for tests)
	Metrics    *telemetry.Metrics  // nil = no request metrics
	Gatherer   prometheus.Gatherer // nil = no /metrics endpoint
	Logger     *slog.Logger        // nil = slog.Default()
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, logger: deps.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.accessLog)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Everything else is proxied upstream with a token attached.
	r.Handle("/*", http.HandlerFunc(s.handleProxy))

	return r
}

type server struct {
	deps   Deps
	logger *slog.Logger
}

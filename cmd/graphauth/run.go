package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/dnscache"

	graphauth "github.com/eugener/graphauth/internal"
	"github.com/eugener/graphauth/internal/authprovider"
	"github.com/eugener/graphauth/internal/config"
	"github.com/eugener/graphauth/internal/server"
	"github.com/eugener/graphauth/internal/telemetry"
	"github.com/eugener/graphauth/internal/upstream"
	"github.com/eugener/graphauth/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log))

	slog.Info("starting graphauth", "version", version, "addr", cfg.Server.Addr, "upstream", cfg.Upstream.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Telemetry
	var (
		metrics *telemetry.Metrics
		reg     *prometheus.Registry
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
	}
	if tc := cfg.Telemetry.Tracing; tc.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, tc.Endpoint, tc.SampleRate, tc.Insecure)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	// Credential and authenticator
	scopes := cfg.Auth.Scopes
	if len(scopes) == 0 {
		scopes = graphauth.DefaultScopes()
	}
	cred, err := buildCredential(ctx, cfg.Auth.Credential, scopes)
	if err != nil {
		return err
	}

	opts := []authprovider.Option{authprovider.WithScopes(scopes...)}
	if len(cfg.Auth.AllowedHosts) > 0 {
		opts = append(opts, authprovider.WithAllowedHosts(cfg.Auth.AllowedHosts...))
	}
	if metrics != nil {
		opts = append(opts, authprovider.WithMetrics(metrics))
	}
	auth, err := authprovider.New(cred, opts...)
	if err != nil {
		return err
	}

	// Upstream client: DNS cache -> tuned transport -> bearer injection
	var workers []worker.Worker
	var resolver *dnscache.Resolver
	if cfg.Upstream.DNSRefresh > 0 {
		resolver = &dnscache.Resolver{}
		workers = append(workers, worker.NewDNSRefresher(resolver, cfg.Upstream.DNSRefresh))
	}
	client := &http.Client{
		Transport: authprovider.NewTransport(auth, upstream.NewTransport(resolver)),
		Timeout:   cfg.Upstream.Timeout,
		// Graph redirects (e.g. content downloads) go to pre-authenticated
		// URLs; let the caller follow them.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	fwd, err := upstream.NewForwarder(client, cfg.Upstream.BaseURL, metrics)
	if err != nil {
		return err
	}

	// HTTP server
	deps := server.Deps{
		Upstream: fwd,
		Metrics:  metrics,
		ReadyCheck: func(ctx context.Context) error {
			_, err := cred.Token(ctx, scopes)
			return err
		},
	}
	if reg != nil {
		deps.Gatherer = reg
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	workers = append(workers, worker.NewHTTPServer(srv, cfg.Server.ShutdownTimeout))

	slog.Info("graphauth ready", "addr", cfg.Server.Addr)
	if err := worker.NewRunner(workers...).Run(ctx); err != nil {
		return err
	}

	slog.Info("graphauth stopped")
	return nil
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(lc config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

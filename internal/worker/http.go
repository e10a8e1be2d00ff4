package worker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// HTTPServer runs an http.Server as a worker and shuts it down gracefully
// when the context is cancelled.
type HTTPServer struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	listener        net.Listener // nil = listen on srv.Addr
}

// NewHTTPServer wraps srv. shutdownTimeout bounds the graceful drain.
func NewHTTPServer(srv *http.Server, shutdownTimeout time.Duration) *HTTPServer {
	return &HTTPServer{srv: srv, shutdownTimeout: shutdownTimeout}
}

// Name implements Worker.
func (h *HTTPServer) Name() string { return "http_server" }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (h *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if h.listener != nil {
			err = h.srv.Serve(h.listener)
		} else {
			err = h.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down http server", "addr", h.srv.Addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()
	if err := h.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

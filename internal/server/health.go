package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// readyTimeout bounds the credential check behind /readyz.
const readyTimeout = 5 * time.Second

// healthStatus is the /healthz and /readyz body.
type healthStatus struct {
	Status     string `json:"status"`
	Credential string `json:"credential,omitempty"`
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthStatus{Status: "ok"})
}

// handleReadyz asks the credential for a token. Failure details are logged,
// not returned.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck == nil {
		writeJSON(w, http.StatusOK, healthStatus{Status: "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.deps.ReadyCheck(ctx); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelWarn, "readiness check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, healthStatus{Status: "not_ready", Credential: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, healthStatus{Status: "ready", Credential: "ok"})
}

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	graphauth "github.com/eugener/graphauth/internal"
)

// Error codes returned in the JSON error body.
const (
	codeTokenAcquisition = "tokenAcquisitionFailed"
	codeBadRequest       = "badRequest"
	codeUpstream         = "upstreamUnavailable"
	codeInternal         = "internalServerError"
)

// handleProxy forwards the request upstream. The upstream client's
// transport decides whether a token is attached.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Upstream == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("no upstream configured", codeUpstream))
		return
	}
	err := s.deps.Upstream.Forward(r.Context(), w, r)
	if err == nil {
		return
	}

	ctx := r.Context()
	if errors.Is(err, graphauth.ErrResponseStarted) {
		s.logger.LogAttrs(ctx, slog.LevelWarn, "proxy response truncated",
			slog.String("error", err.Error()),
			slog.String("request_id", graphauth.RequestIDFromContext(ctx)),
		)
		// The upstream status and part of the body are already out, so the
		// connection is dropped rather than appending an error body.
		panic(http.ErrAbortHandler)
	}

	status, code := errorStatus(err)
	s.logger.LogAttrs(ctx, slog.LevelWarn, "proxy request failed",
		slog.String("error", err.Error()),
		slog.Int("status", status),
		slog.String("request_id", graphauth.RequestIDFromContext(ctx)),
	)
	if ctx.Err() != nil {
		// Client went away; nobody is left to read a response.
		return
	}
	writeJSON(w, status, errorResponse(publicMessage(code), code))
}

// apiError mirrors the Graph error envelope so callers parse one shape.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorResponse(msg, code string) apiError {
	var e apiError
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, graphauth.ErrTokenAcquisition):
		return http.StatusBadGateway, codeTokenAcquisition
	case errors.Is(err, graphauth.ErrMalformedURL):
		return http.StatusBadRequest, codeBadRequest
	default:
		return http.StatusBadGateway, codeUpstream
	}
}

// publicMessage keeps credential and network details out of responses.
func publicMessage(code string) string {
	switch code {
	case codeTokenAcquisition:
		return "could not acquire an access token"
	case codeBadRequest:
		return "request url is malformed"
	default:
		return "upstream request failed"
	}
}

// jsonCT is a pre-allocated header value slice for direct map assignment.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	graphauth "github.com/eugener/graphauth/internal"
)

// requestIDHeader is already in canonical form so direct map access works.
const requestIDHeader = "X-Request-Id"

// trackedWriter records what reached the client. Every middleware shares
// the one installed by recovery.
type trackedWriter struct {
	http.ResponseWriter
	status  int
	bytes   int64
	started bool
}

// track returns w itself when it is already tracked.
func track(w http.ResponseWriter) *trackedWriter {
	if tw, ok := w.(*trackedWriter); ok {
		return tw
	}
	return &trackedWriter{ResponseWriter: w, status: http.StatusOK}
}

func (tw *trackedWriter) WriteHeader(code int) {
	if !tw.started {
		tw.status = code
		tw.started = true
	}
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *trackedWriter) Write(b []byte) (int, error) {
	tw.started = true
	n, err := tw.ResponseWriter.Write(b)
	tw.bytes += int64(n)
	return n, err
}

func (tw *trackedWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (tw *trackedWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}

// recovery turns a panic into a 500 while nothing has been sent. Once the
// response has started the connection is aborted instead.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := track(w)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler || tw.started {
				panic(http.ErrAbortHandler)
			}
			s.logger.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
				slog.Any("error", rec),
				slog.String("path", r.URL.Path),
			)
			writeJSON(tw, http.StatusInternalServerError, errorResponse("internal server error", codeInternal))
		}()
		next.ServeHTTP(tw, r)
	})
}

// accessLog assigns the request ID, installs an AuthRecord for the
// authenticating transport to fill, and logs one line per request with
// the upstream host and auth outcome when a token decision was made.
func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}

		auth := &graphauth.AuthRecord{}
		ctx := graphauth.ContextWithAuthRecord(graphauth.ContextWithRequestID(r.Context(), id), auth)
		tw := track(w)

		// Deferred so aborted proxy responses are logged too.
		defer func() {
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", tw.status),
				slog.Int64("bytes", tw.bytes),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", id),
			}
			if host, outcome, replaced := auth.Get(); outcome != "" {
				attrs = append(attrs,
					slog.String("upstream_host", host),
					slog.String("auth", outcome),
				)
				if replaced {
					attrs = append(attrs, slog.Bool("auth_replaced", true))
				}
			}
			s.logger.LogAttrs(ctx, slog.LevelInfo, "request", attrs...)
		}()
		next.ServeHTTP(tw, r.WithContext(ctx))
	})
}

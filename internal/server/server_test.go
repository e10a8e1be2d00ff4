package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	graphauth "github.com/eugener/graphauth/internal"
	"github.com/eugener/graphauth/internal/authprovider"
	"github.com/eugener/graphauth/internal/credential"
	"github.com/eugener/graphauth/internal/upstream"
)

// fakeForwarder writes a canned status or returns err.
type fakeForwarder struct {
	status int
	err    error
	calls  int
	lastID string
}

func (f *fakeForwarder) Forward(ctx context.Context, w http.ResponseWriter, _ *http.Request) error {
	f.calls++
	f.lastID = graphauth.RequestIDFromContext(ctx)
	if f.err != nil {
		return f.err
	}
	w.WriteHeader(f.status)
	return nil
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := New(Deps{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var body healthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	if body.Status != "ok" {
		t.Errorf("status field = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		check ReadyChecker
		want  int
	}{
		{name: "no check", want: http.StatusOK},
		{name: "ready", check: func(context.Context) error { return nil }, want: http.StatusOK},
		{name: "not ready", check: func(context.Context) error { return errors.New("no token") }, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := New(Deps{ReadyCheck: tt.check})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{status: http.StatusOK}
	h := New(Deps{Upstream: fwd})

	// Generated when absent.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1.0/me", nil))
	generated := rec.Header().Get("X-Request-Id")
	if generated == "" {
		t.Fatal("X-Request-Id should be set")
	}
	if fwd.lastID != generated {
		t.Errorf("context request id = %q, want %q", fwd.lastID, generated)
	}

	// Propagated when present.
	req := httptest.NewRequest(http.MethodGet, "/v1.0/me", nil)
	req.Header.Set("X-Request-Id", "caller-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "caller-id" {
		t.Errorf("X-Request-Id = %q, want caller-id", got)
	}
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	h := New(Deps{Upstream: panicForwarder{}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1.0/me", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

// forwardFunc adapts a function to Forwarder.
type forwardFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request) error

func (f forwardFunc) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return f(ctx, w, r)
}

// logLines decodes the JSON log records written to buf.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("decode log line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func findLog(lines []map[string]any, msg string) map[string]any {
	for _, l := range lines {
		if l["msg"] == msg {
			return l
		}
	}
	return nil
}

type panicForwarder struct{}

func (panicForwarder) Forward(context.Context, http.ResponseWriter, *http.Request) error {
	panic("boom")
}

func TestProxyErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		upstream Forwarder
		want     int
		wantCode string
	}{
		{
			name:     "token failure",
			upstream: &fakeForwarder{err: fmt.Errorf("upstream: do request: %w", graphauth.ErrTokenAcquisition)},
			want:     http.StatusBadGateway,
			wantCode: codeTokenAcquisition,
		},
		{
			name:     "malformed url",
			upstream: &fakeForwarder{err: graphauth.ErrMalformedURL},
			want:     http.StatusBadRequest,
			wantCode: codeBadRequest,
		},
		{
			name:     "network failure",
			upstream: &fakeForwarder{err: errors.New("dial tcp: connection refused")},
			want:     http.StatusBadGateway,
			wantCode: codeUpstream,
		},
		{
			name:     "no upstream",
			want:     http.StatusServiceUnavailable,
			wantCode: codeUpstream,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := New(Deps{Upstream: tt.upstream})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1.0/me", nil))

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var body apiError
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body %q: %v", rec.Body.String(), err)
			}
			if body.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.wantCode)
			}
		})
	}
}

// TestProxyEndToEnd wires the real authenticator, transport and forwarder
// against a TLS upstream treated as a trusted Graph host.
func TestProxyEndToEnd(t *testing.T) {
	t.Parallel()

	graph := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"authorization": r.Header.Get("Authorization"),
			"path":          r.URL.Path,
		})
	}))
	t.Cleanup(graph.Close)

	graphURL, _ := url.Parse(graph.URL)
	newHandler := func(t *testing.T, cred graphauth.CredentialSource, hosts ...string) http.Handler {
		t.Helper()
		auth, err := authprovider.New(cred, authprovider.WithAllowedHosts(hosts...))
		if err != nil {
			t.Fatal(err)
		}
		client := &http.Client{Transport: authprovider.NewTransport(auth, graph.Client().Transport)}
		fwd, err := upstream.NewForwarder(client, graph.URL, nil)
		if err != nil {
			t.Fatal(err)
		}
		return New(Deps{Upstream: fwd})
	}

	t.Run("trusted host gets token", func(t *testing.T) {
		t.Parallel()

		h := newHandler(t, credential.Static("CredentialTestToken"), graphURL.Hostname())
		req := httptest.NewRequest(http.MethodGet, "/v1.0/me", nil)
		req.Header.Set("Authorization", "Bearer caller-supplied")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
		}
		var got map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if got["authorization"] != "Bearer CredentialTestToken" {
			t.Errorf("upstream Authorization = %q, want Bearer CredentialTestToken", got["authorization"])
		}
		if got["path"] != "/v1.0/me" {
			t.Errorf("upstream path = %q, want /v1.0/me", got["path"])
		}
	})

	t.Run("untrusted host gets nothing", func(t *testing.T) {
		t.Parallel()

		h := newHandler(t, credential.Static("CredentialTestToken"), "graph.microsoft.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1.0/me", nil))

		var got map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if got["authorization"] != "" {
			t.Errorf("upstream Authorization = %q, want none", got["authorization"])
		}
	})

	t.Run("token failure is 502", func(t *testing.T) {
		t.Parallel()

		failing := graphauth.CredentialFunc(func(context.Context, []string) (string, error) {
			return "", errors.New("aad unavailable")
		})
		h := newHandler(t, failing, graphURL.Hostname())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1.0/me", nil))

		if rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rec.Code)
		}
		var body apiError
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body.Error.Code != codeTokenAcquisition {
			t.Errorf("code = %q, want %q", body.Error.Code, codeTokenAcquisition)
		}
	})
}

func TestProxyFailureAfterResponseStarted(t *testing.T) {
	t.Parallel()

	fwd := forwardFunc(func(_ context.Context, w http.ResponseWriter, _ *http.Request) error {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "partial-upstream-bytes")
		return fmt.Errorf("upstream: copy response: %w: %w", graphauth.ErrResponseStarted, io.ErrUnexpectedEOF)
	})
	var buf bytes.Buffer
	h := New(Deps{Upstream: fwd, Logger: slog.New(slog.NewJSONHandler(&buf, nil))})
	rec := httptest.NewRecorder()

	func() {
		defer func() {
			if p := recover(); p != http.ErrAbortHandler {
				t.Errorf("panic = %v, want http.ErrAbortHandler", p)
			}
		}()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1.0/me", nil))
	}()

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "partial-upstream-bytes" {
		t.Errorf("body = %q, want only the upstream bytes", got)
	}

	lines := logLines(t, &buf)
	if findLog(lines, "proxy response truncated") == nil {
		t.Error("truncation should be logged")
	}
	access := findLog(lines, "request")
	if access == nil {
		t.Fatal("access log line missing")
	}
	if access["status"] != float64(http.StatusOK) {
		t.Errorf("logged status = %v, want 200", access["status"])
	}
}

func TestRecoveryAfterResponseStarted(t *testing.T) {
	t.Parallel()

	fwd := forwardFunc(func(_ context.Context, w http.ResponseWriter, _ *http.Request) error {
		w.WriteHeader(http.StatusAccepted)
		panic("boom")
	})
	h := New(Deps{Upstream: fwd, Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))})
	rec := httptest.NewRecorder()

	func() {
		defer func() {
			if p := recover(); p != http.ErrAbortHandler {
				t.Errorf("panic = %v, want http.ErrAbortHandler", p)
			}
		}()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1.0/me", nil))
	}()

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestAccessLogAuthOutcome(t *testing.T) {
	t.Parallel()

	auth, err := authprovider.New(credential.Static("CredentialTestToken"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		target      string
		wantHost    string
		wantOutcome string
	}{
		{name: "trusted", target: "https://graph.microsoft.com/v1.0/me", wantHost: "graph.microsoft.com", wantOutcome: "authenticated"},
		{name: "untrusted", target: "https://localhost/v1.0/me", wantHost: "localhost", wantOutcome: "host_not_allowed"},
		{name: "insecure", target: "http://graph.microsoft.com/v1.0/me", wantHost: "graph.microsoft.com", wantOutcome: "insecure_scheme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Authenticate an outbound request derived from the inbound
			// context, the way the upstream client does.
			fwd := forwardFunc(func(ctx context.Context, w http.ResponseWriter, _ *http.Request) error {
				out, err := http.NewRequestWithContext(ctx, http.MethodGet, tt.target, nil)
				if err != nil {
					return err
				}
				if err := auth.AuthenticateRequest(ctx, out); err != nil {
					return err
				}
				w.WriteHeader(http.StatusNoContent)
				return nil
			})
			var buf bytes.Buffer
			h := New(Deps{Upstream: fwd, Logger: slog.New(slog.NewJSONHandler(&buf, nil))})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1.0/me", nil))

			access := findLog(logLines(t, &buf), "request")
			if access == nil {
				t.Fatal("access log line missing")
			}
			if access["upstream_host"] != tt.wantHost {
				t.Errorf("upstream_host = %v, want %s", access["upstream_host"], tt.wantHost)
			}
			if access["auth"] != tt.wantOutcome {
				t.Errorf("auth = %v, want %v", access["auth"], tt.wantOutcome)
			}
			if access["status"] != float64(http.StatusNoContent) {
				t.Errorf("status = %v, want 204", access["status"])
			}
			if access["request_id"] != rec.Header().Get("X-Request-Id") {
				t.Errorf("request_id = %v, want %s", access["request_id"], rec.Header().Get("X-Request-Id"))
			}
		})
	}
}

func TestAccessLogWithoutUpstreamCall(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := New(Deps{Logger: slog.New(slog.NewJSONHandler(&buf, nil))})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	access := findLog(logLines(t, &buf), "request")
	if access == nil {
		t.Fatal("access log line missing")
	}
	if _, ok := access["auth"]; ok {
		t.Errorf("auth attribute should be absent when no token decision was made: %v", access)
	}
}

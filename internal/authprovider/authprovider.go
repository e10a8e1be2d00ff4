// Package authprovider attaches Microsoft Graph bearer tokens to outbound
// requests. A token is fetched and injected only when the request targets
// an allowed host over https; every other request passes through untouched.
package authprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	graphauth "github.com/eugener/graphauth/internal"
	"github.com/eugener/graphauth/internal/telemetry"
)

// Decision is the outcome of checking a URL against the host and scheme rules.
type Decision int

const (
	DecisionAuthenticate Decision = iota
	DecisionInsecureScheme
	DecisionHostNotAllowed
)

// String returns the metric label for d.
func (d Decision) String() string {
	switch d {
	case DecisionAuthenticate:
		return "authenticated"
	case DecisionInsecureScheme:
		return "insecure_scheme"
	case DecisionHostNotAllowed:
		return "host_not_allowed"
	default:
		return "unknown"
	}
}

var errEmptyToken = errors.New("credential returned an empty token")

// Outcome labels that are not decisions.
const (
	outcomeTokenError   = "token_error"
	outcomeMalformedURL = "malformed_url"
)

// Authenticator injects bearer tokens into requests bound for allowed hosts.
// It holds no mutable state and is safe for concurrent use when its
// credential source is.
type Authenticator struct {
	cred    graphauth.CredentialSource
	hosts   map[string]struct{}
	scopes  []string
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// Option configures an Authenticator.
type Option func(*Authenticator) error

// WithAllowedHosts replaces the default Graph host set. Hosts are matched
// case-insensitively and exactly; subdomains are not implied.
func WithAllowedHosts(hosts ...string) Option {
	return func(a *Authenticator) error {
		if len(hosts) == 0 {
			return fmt.Errorf("authprovider: allowed hosts: %w: empty host list", graphauth.ErrInvalidConfig)
		}
		set := make(map[string]struct{}, len(hosts))
		for _, h := range hosts {
			h = strings.ToLower(strings.TrimSpace(h))
			if h == "" {
				return fmt.Errorf("authprovider: allowed hosts: %w: blank host", graphauth.ErrInvalidConfig)
			}
			set[h] = struct{}{}
		}
		a.hosts = set
		return nil
	}
}

// WithScopes sets the scopes requested from the credential source.
func WithScopes(scopes ...string) Option {
	return func(a *Authenticator) error {
		if len(scopes) == 0 {
			return fmt.Errorf("authprovider: scopes: %w: empty scope list", graphauth.ErrInvalidConfig)
		}
		a.scopes = append([]string(nil), scopes...)
		return nil
	}
}

// WithMetrics records decisions and token fetch latency in m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Authenticator) error {
		a.metrics = m
		return nil
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(a *Authenticator) error {
		a.tracer = t
		return nil
	}
}

// New returns an Authenticator that fetches tokens from cred.
// Without options it trusts graphauth.DefaultAllowedHosts and requests
// graphauth.DefaultScopes.
func New(cred graphauth.CredentialSource, opts ...Option) (*Authenticator, error) {
	if cred == nil {
		return nil, graphauth.ErrNoCredential
	}
	a := &Authenticator{
		cred:   cred,
		scopes: graphauth.DefaultScopes(),
		tracer: telemetry.Tracer(),
	}
	if err := WithAllowedHosts(graphauth.DefaultAllowedHosts()...)(a); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// ShouldAuthenticate reports whether a token belongs on a request to u.
// A nil u has no host and is never authenticated.
func (a *Authenticator) ShouldAuthenticate(u *url.URL) Decision {
	if u == nil {
		return DecisionHostNotAllowed
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return DecisionInsecureScheme
	}
	if _, ok := a.hosts[strings.ToLower(u.Hostname())]; !ok {
		return DecisionHostNotAllowed
	}
	return DecisionAuthenticate
}

// AuthenticateRequest sets the Authorization header on r in place when r
// targets an allowed host over https. The URL is never modified.
func (a *Authenticator) AuthenticateRequest(ctx context.Context, r *http.Request) error {
	if r.URL == nil {
		a.record(ctx, "", outcomeMalformedURL, false)
		return fmt.Errorf("authprovider: %w: request has no url", graphauth.ErrMalformedURL)
	}
	return a.authenticate(ctx, r.URL, r.Header.Get, func(v string) {
		if r.Header == nil {
			r.Header = make(http.Header)
		}
		r.Header.Set(graphauth.AuthorizationHeader, v)
	})
}

// Authenticate is AuthenticateRequest for request types other than
// *http.Request. A URL that cannot be parsed fails with ErrMalformedURL.
func (a *Authenticator) Authenticate(ctx context.Context, r graphauth.HeaderRequest) error {
	u, err := r.RequestURL()
	if err == nil && u == nil {
		err = errors.New("request has no url")
	}
	if err != nil {
		a.record(ctx, "", outcomeMalformedURL, false)
		return fmt.Errorf("authprovider: %w: %v", graphauth.ErrMalformedURL, err)
	}
	return a.authenticate(ctx, u, r.Header, func(v string) {
		r.SetHeader(graphauth.AuthorizationHeader, v)
	})
}

// authenticate runs the checks for u and, when they pass, fetches a token
// and hands the header value to set. get reads the current header value.
// set is called at most once.
func (a *Authenticator) authenticate(ctx context.Context, u *url.URL, get func(string) string, set func(string)) error {
	host := u.Hostname()
	ctx, span := a.tracer.Start(ctx, "authprovider.Authenticate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("url.scheme", u.Scheme),
			attribute.String("server.address", host),
		),
	)
	defer span.End()

	d := a.ShouldAuthenticate(u)
	if d != DecisionAuthenticate {
		span.SetAttributes(attribute.String("graphauth.outcome", d.String()))
		a.record(ctx, host, d.String(), false)
		slog.LogAttrs(ctx, slog.LevelDebug, "skipping authentication",
			slog.String("reason", d.String()),
			slog.String("scheme", u.Scheme),
			slog.String("host", host),
		)
		return nil
	}

	start := time.Now()
	token, err := a.cred.Token(ctx, a.scopes)
	if a.metrics != nil {
		a.metrics.TokenFetch.Observe(time.Since(start).Seconds())
	}
	if err == nil && token == "" {
		err = errEmptyToken
	}
	if err != nil {
		span.SetAttributes(attribute.String("graphauth.outcome", outcomeTokenError))
		span.RecordError(err)
		span.SetStatus(codes.Error, "token acquisition failed")
		a.record(ctx, host, outcomeTokenError, false)
		return fmt.Errorf("authprovider: %w: %w", graphauth.ErrTokenAcquisition, err)
	}

	replaced := get(graphauth.AuthorizationHeader) != ""
	if replaced {
		slog.LogAttrs(ctx, slog.LevelDebug, "replacing existing authorization header",
			slog.String("host", host),
		)
	}
	set(graphauth.BearerPrefix + token)
	span.SetAttributes(
		attribute.String("graphauth.outcome", d.String()),
		attribute.Bool("graphauth.header_replaced", replaced),
	)
	a.record(ctx, host, d.String(), replaced)
	return nil
}

// record counts the outcome and notes it on the inbound request's
// AuthRecord when ctx carries one.
func (a *Authenticator) record(ctx context.Context, host, outcome string, replaced bool) {
	if a.metrics != nil {
		a.metrics.AuthDecisions.WithLabelValues(outcome).Inc()
	}
	if rec := graphauth.AuthRecordFromContext(ctx); rec != nil {
		rec.Set(host, outcome, replaced)
	}
}

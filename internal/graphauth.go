// Package graphauth defines domain types and interfaces for authenticating
// outbound Microsoft Graph requests.
// This package has no project imports -- it is the dependency root.
package graphauth

import (
	"context"
	"net/url"
	"sync"
)

// --- Header names ---

const (
	// AuthorizationHeader is the header that carries the bearer token.
	AuthorizationHeader = "Authorization"
	// BearerPrefix is prepended to the token in the Authorization header.
	BearerPrefix = "Bearer "
)

// --- Defaults ---

// DefaultScope is the Graph scope requested when none is configured.
const DefaultScope = "https://graph.microsoft.com/.default"

// DefaultAllowedHosts lists the Graph endpoints of the public and
// sovereign clouds. Callers must not modify the returned slice.
func DefaultAllowedHosts() []string {
	return []string{
		"graph.microsoft.com",
		"graph.microsoft.us",
		"dod-graph.microsoft.us",
		"graph.microsoft.de",
		"microsoftgraph.chinacloudapi.cn",
	}
}

// DefaultScopes returns the scopes requested when none are configured.
func DefaultScopes() []string {
	return []string{DefaultScope}
}

// --- Credentials ---

// CredentialSource produces bearer tokens. Implementations must be safe for
// concurrent use; any timeout or caching policy belongs to them.
type CredentialSource interface {
	// Token returns a bearer token valid for scopes.
	Token(ctx context.Context, scopes []string) (string, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context, scopes []string) (string, error)

// Token calls f.
func (f CredentialFunc) Token(ctx context.Context, scopes []string) (string, error) {
	return f(ctx, scopes)
}

// --- Requests ---

// HeaderRequest is the minimal contract for request types that are not
// *http.Request: a target URL and header access. Header is read to detect
// an Authorization value about to be replaced.
type HeaderRequest interface {
	// RequestURL returns the absolute target URL.
	RequestURL() (*url.URL, error)
	// Header returns the first value of the named header, or "".
	Header(name string) string
	// SetHeader replaces any existing values of the named header.
	SetHeader(name, value string)
}

// --- Context keys ---

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
	ctxKeyAuthRecord
)

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// AuthRecord collects the authentication outcome of the outbound calls made
// on behalf of one inbound request. The zero value is ready to use and it is
// safe for concurrent use.
type AuthRecord struct {
	mu       sync.Mutex
	host     string
	outcome  string
	replaced bool
}

// Set stores the outcome for host. replaced reports whether an existing
// Authorization value was overwritten. The last call wins.
func (r *AuthRecord) Set(host, outcome string, replaced bool) {
	r.mu.Lock()
	r.host, r.outcome, r.replaced = host, outcome, replaced
	r.mu.Unlock()
}

// Get returns the last stored outcome. outcome is "" when nothing was
// authenticated or skipped.
func (r *AuthRecord) Get() (host, outcome string, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host, r.outcome, r.replaced
}

// ContextWithAuthRecord returns a context carrying rec.
func ContextWithAuthRecord(ctx context.Context, rec *AuthRecord) context.Context {
	return context.WithValue(ctx, ctxKeyAuthRecord, rec)
}

// AuthRecordFromContext returns the record carried by ctx, or nil.
func AuthRecordFromContext(ctx context.Context) *AuthRecord {
	rec, _ := ctx.Value(ctxKeyAuthRecord).(*AuthRecord)
	return rec
}

package authprovider

import (
	"net/http"
)

// Transport is an http.RoundTripper that authenticates a clone of each
// outbound request before handing it to Base. Requests to hosts outside the
// allowed set are forwarded without a token.
type Transport struct {
	Auth *Authenticator
	Base http.RoundTripper
}

// NewTransport returns a Transport wrapping base. A nil base falls back to
// http.DefaultTransport.
func NewTransport(auth *Authenticator, base http.RoundTripper) *Transport {
	return &Transport{Auth: auth, Base: base}
}

// RoundTrip clones the request, injects the bearer header when the URL
// qualifies, and forwards it. The caller's request is never modified.
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	if err := t.Auth.AuthenticateRequest(r.Context(), r2); err != nil {
		if r.Body != nil {
			r.Body.Close()
		}
		return nil, err
	}
	return t.base().RoundTrip(r2)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

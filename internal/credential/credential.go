// Package credential adapts token issuers from the Go ecosystem to
// graphauth.CredentialSource. Adapters add no caching or retry; those
// belong to the wrapped issuer.
package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	graphauth "github.com/eugener/graphauth/internal"
)

var errEmptyToken = errors.New("credential: empty token")

// Azure wraps an azcore.TokenCredential, such as those from azidentity.
type Azure struct {
	cred azcore.TokenCredential
}

// FromAzure returns a CredentialSource backed by cred.
func FromAzure(cred azcore.TokenCredential) *Azure {
	return &Azure{cred: cred}
}

// Token requests a token for scopes from the Azure credential.
func (a *Azure) Token(ctx context.Context, scopes []string) (string, error) {
	tok, err := a.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: scopes})
	if err != nil {
		return "", fmt.Errorf("credential: azure get token: %w", err)
	}
	return tok.Token, nil
}

// TokenSource wraps an oauth2.TokenSource. Scopes are bound when the
// source is built, so the scopes argument to Token is ignored.
type TokenSource struct {
	source oauth2.TokenSource
}

// FromTokenSource returns a CredentialSource backed by ts.
func FromTokenSource(ts oauth2.TokenSource) *TokenSource {
	return &TokenSource{source: ts}
}

// Token returns the access token of the next token from the source.
func (t *TokenSource) Token(_ context.Context, _ []string) (string, error) {
	tok, err := t.source.Token()
	if err != nil {
		return "", fmt.Errorf("credential: obtain oauth2 token: %w", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return "", errEmptyToken
	}
	return tok.AccessToken, nil
}

// MicrosoftTokenURL returns the Microsoft identity platform v2 token
// endpoint for tenant.
func MicrosoftTokenURL(tenant string) string {
	return "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/token"
}

// ClientCredentials returns a CredentialSource using the OAuth2 client
// credentials grant against tokenURL. An empty tokenURL selects the
// Microsoft identity platform endpoint for tenantID.
func ClientCredentials(ctx context.Context, tenantID, clientID, clientSecret, tokenURL string, scopes []string) (*TokenSource, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("credential: client credentials: %w: client id and secret are required", graphauth.ErrInvalidConfig)
	}
	if tokenURL == "" {
		if tenantID == "" {
			return nil, fmt.Errorf("credential: client credentials: %w: tenant id or token url is required", graphauth.ErrInvalidConfig)
		}
		tokenURL = MicrosoftTokenURL(tenantID)
	}
	if len(scopes) == 0 {
		scopes = graphauth.DefaultScopes()
	}
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return FromTokenSource(cfg.TokenSource(ctx)), nil
}

// Static always returns the same token. Useful for pre-issued tokens and tests.
type Static string

// Token returns s, or an error if s is empty.
func (s Static) Token(context.Context, []string) (string, error) {
	if s == "" {
		return "", errEmptyToken
	}
	return string(s), nil
}

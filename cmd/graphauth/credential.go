package main

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	graphauth "github.com/eugener/graphauth/internal"
	"github.com/eugener/graphauth/internal/config"
	"github.com/eugener/graphauth/internal/credential"
)

// buildCredential turns the credential section of the config into a
// CredentialSource. scopes are used by issuers that bind them up front.
func buildCredential(ctx context.Context, cc config.CredentialConfig, scopes []string) (graphauth.CredentialSource, error) {
	switch cc.Type {
	case config.CredentialAzureDefault:
		var opts *azidentity.DefaultAzureCredentialOptions
		if cc.TenantID != "" {
			opts = &azidentity.DefaultAzureCredentialOptions{TenantID: cc.TenantID}
		}
		cred, err := azidentity.NewDefaultAzureCredential(opts)
		if err != nil {
			return nil, fmt.Errorf("azure default credential: %w", err)
		}
		return credential.FromAzure(cred), nil

	case config.CredentialAzureClientSecret:
		cred, err := azidentity.NewClientSecretCredential(cc.TenantID, cc.ClientID, cc.ClientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("azure client secret credential: %w", err)
		}
		return credential.FromAzure(cred), nil

	case config.CredentialAzureManagedIdentity:
		var opts *azidentity.ManagedIdentityCredentialOptions
		if cc.ClientID != "" {
			opts = &azidentity.ManagedIdentityCredentialOptions{ID: azidentity.ClientID(cc.ClientID)}
		}
		cred, err := azidentity.NewManagedIdentityCredential(opts)
		if err != nil {
			return nil, fmt.Errorf("azure managed identity credential: %w", err)
		}
		return credential.FromAzure(cred), nil

	case config.CredentialOAuth2:
		return credential.ClientCredentials(ctx, cc.TenantID, cc.ClientID, cc.ClientSecret, cc.TokenURL, scopes)

	case config.CredentialStatic:
		return credential.Static(cc.Token), nil

	case config.CredentialFile:
		return credential.FromFile(cc.Path), nil

	default:
		return nil, fmt.Errorf("%w: credential type %q", graphauth.ErrInvalidConfig, cc.Type)
	}
}

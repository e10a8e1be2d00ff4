package authprovider

import (
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// pipelinePolicy adapts an Authenticator to the Azure SDK pipeline.
type pipelinePolicy struct {
	auth *Authenticator
}

// Policy returns an azcore pipeline policy that authenticates each request
// the same way AuthenticateRequest does. Register it as a per-call policy.
func (a *Authenticator) Policy() policy.Policy {
	return &pipelinePolicy{auth: a}
}

func (p *pipelinePolicy) Do(req *policy.Request) (*http.Response, error) {
	raw := req.Raw()
	if err := p.auth.AuthenticateRequest(raw.Context(), raw); err != nil {
		return nil, err
	}
	return req.Next()
}

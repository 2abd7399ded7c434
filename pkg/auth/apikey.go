package auth

import (
	"context"
	"fmt"
	"net/http"
)

// APIKeyProvider implements Provider for sources authenticated by a static
// key. The credential never expires and no network call is ever made.
type APIKeyProvider struct {
	key     string
	keyName string
	scheme  Scheme
}

// NewAPIKeyProvider creates a provider that attaches the key under keyName.
// scheme selects header or query placement.
func NewAPIKeyProvider(key, keyName string, scheme Scheme) (*APIKeyProvider, error) {
	if key == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if keyName == "" {
		keyName = "X-API-Key"
	}
	if scheme != SchemeAPIKeyHeader && scheme != SchemeAPIKeyQuery {
		return nil, fmt.Errorf("invalid api key scheme %q", scheme)
	}
	return &APIKeyProvider{key: key, keyName: keyName, scheme: scheme}, nil
}

// Credential returns the static key.
func (p *APIKeyProvider) Credential(_ context.Context) (Credential, error) {
	return Credential{Artifact: p.key, Scheme: p.scheme}, nil
}

// Apply attaches the key as a header or query parameter.
func (p *APIKeyProvider) Apply(req *http.Request, cred Credential) {
	if p.scheme == SchemeAPIKeyQuery {
		q := req.URL.Query()
		q.Set(p.keyName, cred.Artifact)
		req.URL.RawQuery = q.Encode()
		return
	}
	req.Header.Set(p.keyName, cred.Artifact)
}

// Invalidate is a no-op: a static key cannot be refreshed, and a 401 with an
// API key is a configuration problem the retry layer surfaces as-is.
func (p *APIKeyProvider) Invalidate() {}

// Package auth provides per-source credential acquisition for upstream APIs.
// A provider owns exactly one cached credential and replaces it wholesale on
// refresh; credentials are never shared across sources.
package auth

import (
	"time"
)

// Scheme identifies how a source authenticates.
type Scheme string

const (
	// SchemeOAuth2ClientCredentials uses the OAuth2 client_credentials grant
	// against a token endpoint.
	SchemeOAuth2ClientCredentials Scheme = "oauth2_client_credentials"

	// SchemeAPIKeyHeader sends a static key in a request header.
	SchemeAPIKeyHeader Scheme = "api_key_header"

	// SchemeAPIKeyQuery sends a static key as a query parameter.
	SchemeAPIKeyQuery Scheme = "api_key_query"
)

// DefaultExpiryMargin is the remaining validity a returned credential is
// guaranteed to have. Tokens closer to expiry than this are refreshed first.
const DefaultExpiryMargin = 60 * time.Second

// Credential is a valid auth artifact for one source.
type Credential struct {
	// Artifact is the bearer token or static key value.
	Artifact string

	// Expiry is when the artifact stops being valid. Zero means it never
	// expires (static API keys).
	Expiry time.Time

	// Scheme records how the artifact must be attached to requests.
	Scheme Scheme
}

// ExpiresWithin reports whether the credential will be invalid at now+margin.
// Credentials with zero Expiry never expire.
func (c Credential) ExpiresWithin(margin time.Duration, now time.Time) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Add(margin).Before(c.Expiry)
}

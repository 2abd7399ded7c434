package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datalift/ingest/pkg/logging"
)

// Provider produces a valid credential on demand and knows how to attach it
// to outbound requests.
type Provider interface {
	// Credential returns a credential with remaining validity of at least
	// the configured expiry margin at the moment of return.
	Credential(ctx context.Context) (Credential, error)

	// Apply attaches the credential to the request.
	Apply(req *http.Request, cred Credential)

	// Invalidate discards the cached credential so the next Credential call
	// acquires a fresh one. Used after an upstream 401.
	Invalidate()
}

// OAuth2Config holds configuration for the client_credentials provider.
type OAuth2Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	// Scope is optional and sent verbatim when non-empty.
	Scope string

	// ExpiryMargin is the minimum remaining validity of returned credentials.
	ExpiryMargin time.Duration

	// MaxAttempts bounds token request attempts (network errors and 5xx are
	// retried, anything else fails immediately).
	MaxAttempts int

	// Backoff is the delay before the second attempt; it doubles per attempt.
	Backoff time.Duration

	// HTTPClient is the client used for token requests.
	HTTPClient *http.Client
}

// OAuth2Provider implements Provider using the client_credentials grant.
// The cached credential is owned exclusively by this provider and replaced
// wholesale on refresh; a mutex guarantees at most one refresh is in flight
// and late callers reuse its result.
type OAuth2Provider struct {
	cfg    OAuth2Config
	logger zerolog.Logger

	mu      sync.Mutex
	current Credential
	now     func() time.Time
}

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// NewOAuth2Provider creates a provider for one source.
func NewOAuth2Provider(cfg OAuth2Config) (*OAuth2Provider, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client id and secret are required")
	}
	if cfg.ExpiryMargin <= 0 {
		cfg.ExpiryMargin = DefaultExpiryMargin
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 1 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &OAuth2Provider{
		cfg:    cfg,
		logger: logging.NewLogger("auth"),
		now:    time.Now,
	}, nil
}

// Credential returns the cached token, refreshing it first when its remaining
// validity is below the expiry margin. The lock ensures at most one refresh
// is in flight; callers blocked behind it reuse the refreshed token.
func (p *OAuth2Provider) Credential(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current.Artifact != "" && !p.current.ExpiresWithin(p.cfg.ExpiryMargin, p.now()) {
		return p.current, nil
	}

	cred, err := p.acquire(ctx)
	if err != nil {
		return Credential{}, err
	}
	p.current = cred
	return cred, nil
}

// Apply attaches the token as a bearer Authorization header.
func (p *OAuth2Provider) Apply(req *http.Request, cred Credential) {
	req.Header.Set("Authorization", "Bearer "+cred.Artifact)
}

// Invalidate drops the cached token.
func (p *OAuth2Provider) Invalidate() {
	p.mu.Lock()
	p.current = Credential{}
	p.mu.Unlock()
}

// acquire performs the client_credentials grant. Network errors and 5xx
// responses are retried up to MaxAttempts with doubling backoff; any other
// failure is terminal immediately.
func (p *OAuth2Provider) acquire(ctx context.Context) (Credential, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.cfg.ClientID},
		"client_secret": {p.cfg.ClientSecret},
	}
	if p.cfg.Scope != "" {
		form.Set("scope", p.cfg.Scope)
	}
	body := form.Encode()

	var lastErr error
	backoff := p.cfg.Backoff

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		cred, retryable, err := p.requestToken(ctx, body)
		if err == nil {
			if attempt > 1 {
				p.logger.Info().
					Int("attempt", attempt).
					Msg("Token acquired after retry")
			}
			return cred, nil
		}
		lastErr = err
		if !retryable || attempt >= p.cfg.MaxAttempts {
			break
		}

		p.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Token request failed, retrying")

		select {
		case <-ctx.Done():
			return Credential{}, &AuthError{
				Scheme:  SchemeOAuth2ClientCredentials,
				Message: "context cancelled during token retry",
				Err:     ctx.Err(),
			}
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	p.logger.Error().Err(lastErr).Msg("Token acquisition failed")
	if authErr, ok := lastErr.(*AuthError); ok {
		return Credential{}, authErr
	}
	return Credential{}, &AuthError{
		Scheme:  SchemeOAuth2ClientCredentials,
		Message: "token request failed",
		Err:     lastErr,
	}
}

// requestToken performs one token endpoint call. The second return value
// reports whether the failure may be retried.
func (p *OAuth2Provider) requestToken(ctx context.Context, form string) (Credential, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form))
	if err != nil {
		return Credential{}, false, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := p.now()
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return Credential{}, true, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Credential{}, true, &AuthError{
			Scheme:  SchemeOAuth2ClientCredentials,
			Status:  resp.StatusCode,
			Message: "token endpoint server error",
			Err:     ErrTokenEndpoint,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, false, &AuthError{
			Scheme:  SchemeOAuth2ClientCredentials,
			Status:  resp.StatusCode,
			Message: "token endpoint rejected request",
			Err:     ErrTokenEndpoint,
		}
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, true, fmt.Errorf("read token response: %w", err)
	}

	var token tokenResponse
	if err := json.Unmarshal(payload, &token); err != nil || token.AccessToken == "" {
		return Credential{}, false, &AuthError{
			Scheme:  SchemeOAuth2ClientCredentials,
			Status:  resp.StatusCode,
			Message: "malformed token response body",
			Err:     ErrTokenEndpoint,
		}
	}

	expiresIn := token.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	p.logger.Info().
		Int("expires_in", expiresIn).
		Dur("duration", p.now().Sub(start)).
		Msg("Token obtained")

	return Credential{
		Artifact: token.AccessToken,
		Expiry:   p.now().Add(time.Duration(expiresIn) * time.Second),
		Scheme:   SchemeOAuth2ClientCredentials,
	}, false, nil
}

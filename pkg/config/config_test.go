package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
sources:
  - name: orders
    base_url: https://api.example.com
    endpoint: /v1/orders
    auth:
      scheme: oauth2_client_credentials
      token_url: https://auth.example.com/token
      client_id: my-client
      client_secret: ${ORDERS_CLIENT_SECRET}
    pagination:
      style: cursor
      since_param: updated_since
    rate_limit_requests: 120
    rate_limit_period: 1m
    required_fields: [id, updated_at]
    dedupe:
      key: id
      version_field: updated_at
  - name: customers
    base_url: https://crm.example.com
    endpoint: /api/customers
    auth:
      scheme: api_key
      api_key: ${CRM_API_KEY}
      key_name: X-Api-Token
      key_location: header
    pagination:
      style: offset
      page_size: 50
staging:
  bucket: data-staging
  region: eu-central-1
  rows_per_part: 1000
log:
  level: debug
metrics_addr: ":9102"
`

func TestParseValid(t *testing.T) {
	t.Setenv("ORDERS_CLIENT_SECRET", "s3cret")
	t.Setenv("CRM_API_KEY", "key-123")

	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(cfg.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(cfg.Sources))
	}

	orders := cfg.Sources[0]
	if orders.Auth.ClientSecret != "s3cret" {
		t.Errorf("expected env-expanded secret, got %q", orders.Auth.ClientSecret)
	}
	if orders.RateLimitRequests != 120 || orders.RateLimitPeriod != time.Minute {
		t.Errorf("unexpected rate limit: %d/%s", orders.RateLimitRequests, orders.RateLimitPeriod)
	}
	if orders.Pagination.SinceParam != "updated_since" {
		t.Errorf("unexpected since param %q", orders.Pagination.SinceParam)
	}

	customers := cfg.Sources[1]
	if customers.Auth.APIKey != "key-123" {
		t.Errorf("expected env-expanded key, got %q", customers.Auth.APIKey)
	}
	if customers.Pagination.PageSize != 50 {
		t.Errorf("expected page size 50, got %d", customers.Pagination.PageSize)
	}

	if cfg.Staging.Bucket != "data-staging" {
		t.Errorf("unexpected bucket %q", cfg.Staging.Bucket)
	}
}

func TestParseDefaults(t *testing.T) {
	t.Setenv("CRM_API_KEY", "k")

	yaml := `
sources:
  - name: customers
    base_url: https://crm.example.com
    endpoint: /api/customers
    auth:
      scheme: api_key
      api_key: ${CRM_API_KEY}
    pagination:
      style: offset
staging:
  bucket: b
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BackoffBase != time.Second {
		t.Errorf("expected default backoff base 1s, got %s", cfg.Retry.BackoffBase)
	}
	if cfg.Sources[0].RateLimitRequests != 60 || cfg.Sources[0].RateLimitPeriod != time.Minute {
		t.Errorf("expected default rate limit 60/min, got %d/%s",
			cfg.Sources[0].RateLimitRequests, cfg.Sources[0].RateLimitPeriod)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Log.Level)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no sources",
			yaml:    "staging:\n  bucket: b\n",
			wantErr: "at least one source",
		},
		{
			name: "unknown auth scheme",
			yaml: `
sources:
  - name: s
    base_url: https://x
    endpoint: /y
    auth:
      scheme: basic
    pagination:
      style: offset
staging:
  bucket: b
`,
			wantErr: "unknown auth scheme",
		},
		{
			name: "oauth2 missing secret",
			yaml: `
sources:
  - name: s
    base_url: https://x
    endpoint: /y
    auth:
      scheme: oauth2_client_credentials
      token_url: https://x/token
      client_id: c
    pagination:
      style: offset
staging:
  bucket: b
`,
			wantErr: "client_secret",
		},
		{
			name: "unknown pagination style",
			yaml: `
sources:
  - name: s
    base_url: https://x
    endpoint: /y
    auth:
      scheme: api_key
      api_key: k
    pagination:
      style: page_token
staging:
  bucket: b
`,
			wantErr: "pagination style",
		},
		{
			name: "missing bucket",
			yaml: `
sources:
  - name: s
    base_url: https://x
    endpoint: /y
    auth:
      scheme: api_key
      api_key: k
    pagination:
      style: offset
`,
			wantErr: "staging.bucket",
		},
		{
			name: "duplicate source name",
			yaml: `
sources:
  - name: s
    base_url: https://x
    endpoint: /y
    auth:
      scheme: api_key
      api_key: k
    pagination:
      style: offset
  - name: s
    base_url: https://x
    endpoint: /z
    auth:
      scheme: api_key
      api_key: k
    pagination:
      style: offset
staging:
  bucket: b
`,
			wantErr: "duplicate source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExpandEnvUnset(t *testing.T) {
	got := expandEnv("key: ${DEFINITELY_UNSET_VAR_42}")
	if got != "key: " {
		t.Errorf("expected unset var to expand empty, got %q", got)
	}
}

// Package config loads the YAML configuration: sources with their auth,
// pagination, rate-limit, and transform rules, plus staging, retry, and
// process-wide settings. Secrets reference environment variables as ${VAR}
// and are expanded at load time.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface.
type Config struct {
	Sources     []SourceConfig  `yaml:"sources"`
	Retry       RetryConfig     `yaml:"retry"`
	Staging     StagingConfig   `yaml:"staging"`
	Watermark   WatermarkConfig `yaml:"watermark"`
	Log         LogConfig       `yaml:"log"`
	MetricsAddr string          `yaml:"metrics_addr"`

	// NotifyURL, when set, receives a POST with {source, batch_id} after
	// each fully committed run.
	NotifyURL string `yaml:"notify_url"`
}

// SourceConfig describes one upstream API source.
type SourceConfig struct {
	Name              string           `yaml:"name"`
	BaseURL           string           `yaml:"base_url"`
	Endpoint          string           `yaml:"endpoint"`
	Auth              AuthConfig       `yaml:"auth"`
	Pagination        PaginationConfig `yaml:"pagination"`
	RateLimitRequests int              `yaml:"rate_limit_requests"`
	RateLimitPeriod   time.Duration    `yaml:"rate_limit_period"`
	RequiredFields    []string         `yaml:"required_fields"`
	TimestampFields   []string         `yaml:"timestamp_fields"`
	Dedupe            DedupeConfig     `yaml:"dedupe"`
	Flatten           FlattenConfig    `yaml:"flatten"`
}

// AuthConfig selects and parameterizes the credential scheme.
type AuthConfig struct {
	Scheme       string `yaml:"scheme"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
	APIKey       string `yaml:"api_key"`
	KeyName      string `yaml:"key_name"`
	KeyLocation  string `yaml:"key_location"` // header or query
}

// PaginationConfig selects and parameterizes the pagination style.
type PaginationConfig struct {
	Style      string `yaml:"style"` // cursor or offset
	PageSize   int    `yaml:"page_size"`
	MaxPages   int    `yaml:"max_pages"`
	SinceParam string `yaml:"since_param"`
}

// DedupeConfig names the primary key and version field for deduplication.
type DedupeConfig struct {
	Key          string `yaml:"key"`
	VersionField string `yaml:"version_field"`
}

// FlattenConfig controls nested-object flattening.
type FlattenConfig struct {
	Separator     string `yaml:"separator"`
	MaxDepth      int    `yaml:"max_depth"`
	NormalizeKeys bool   `yaml:"normalize_keys"`
}

// RetryConfig is the process-wide HTTP retry schedule.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StagingConfig is the object storage destination.
type StagingConfig struct {
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	RowsPerPart int    `yaml:"rows_per_part"`
}

// WatermarkConfig enables the Redis watermark store when set.
type WatermarkConfig struct {
	RedisAddr string `yaml:"redis_addr"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Auth scheme and key location values accepted in YAML.
const (
	SchemeOAuth2 = "oauth2_client_credentials"
	SchemeAPIKey = "api_key"

	KeyLocationHeader = "header"
	KeyLocationQuery  = "query"
)

// Load reads, env-expands, parses, and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment values. Unset
// variables expand to the empty string; Validate catches missing secrets.
func expandEnv(s string) string {
	return envRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRefRe.FindStringSubmatch(ref)[1]
		return os.Getenv(name)
	})
}

// Validate fills defaults and rejects incomplete configuration.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}

	seen := make(map[string]bool)
	for i := range c.Sources {
		src := &c.Sources[i]
		if err := src.validate(); err != nil {
			return fmt.Errorf("source %d (%s): %w", i, src.Name, err)
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BackoffBase <= 0 {
		c.Retry.BackoffBase = time.Second
	}
	if c.Retry.BackoffCap <= 0 {
		c.Retry.BackoffCap = 30 * time.Second
	}
	if c.Retry.Timeout <= 0 {
		c.Retry.Timeout = 30 * time.Second
	}

	if c.Staging.Bucket == "" {
		return fmt.Errorf("staging.bucket is required")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	return nil
}

func (s *SourceConfig) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	switch s.Auth.Scheme {
	case SchemeOAuth2:
		if s.Auth.TokenURL == "" || s.Auth.ClientID == "" || s.Auth.ClientSecret == "" {
			return fmt.Errorf("oauth2 auth requires token_url, client_id, and client_secret")
		}
	case SchemeAPIKey:
		if s.Auth.APIKey == "" {
			return fmt.Errorf("api_key auth requires api_key")
		}
		switch s.Auth.KeyLocation {
		case "", KeyLocationHeader, KeyLocationQuery:
		default:
			return fmt.Errorf("unknown key_location %q", s.Auth.KeyLocation)
		}
	default:
		return fmt.Errorf("unknown auth scheme %q", s.Auth.Scheme)
	}

	switch s.Pagination.Style {
	case "cursor", "offset":
	default:
		return fmt.Errorf("unknown pagination style %q", s.Pagination.Style)
	}

	if s.RateLimitRequests <= 0 {
		s.RateLimitRequests = 60
	}
	if s.RateLimitPeriod <= 0 {
		s.RateLimitPeriod = time.Minute
	}

	return nil
}

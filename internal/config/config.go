// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.yaml.in/yaml/v3"

	graphauth "github.com/eugener/graphauth/internal"
)

// Credential types accepted in auth.credential.type.
const (
	CredentialAzureDefault         = "azure_default"
	CredentialAzureClientSecret    = "azure_client_secret"
	CredentialAzureManagedIdentity = "azure_managed_identity"
	CredentialOAuth2               = "oauth2_client_credentials"
	CredentialStatic               = "static"
	CredentialFile                 = "file"
)

// Config is the top-level graphauth configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig describes where proxied requests are sent.
type UpstreamConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	DNSRefresh time.Duration `yaml:"dns_refresh"` // 0 disables the DNS cache
}

// AuthConfig controls which requests receive tokens and where tokens come from.
type AuthConfig struct {
	AllowedHosts []string         `yaml:"allowed_hosts"` // empty = Graph defaults
	Scopes       []string         `yaml:"scopes"`        // empty = Graph .default scope
	Credential   CredentialConfig `yaml:"credential"`
}

// CredentialConfig selects and parameterizes the token issuer.
type CredentialConfig struct {
	Type         string `yaml:"type"`
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"` // oauth2_client_credentials only
	Token        string `yaml:"token"`     // static only
	Path         string `yaml:"path"`      // file only
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure   bool    `yaml:"insecure"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:    "https://graph.microsoft.com",
			Timeout:    100 * time.Second,
			DNSRefresh: 5 * time.Minute,
		},
		Auth: AuthConfig{
			Credential: CredentialConfig{Type: CredentialAzureDefault},
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{SampleRate: 1.0},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads and parses a YAML config file, expanding environment variables,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Server.Addr == "" {
		result = multierror.Append(result, fmt.Errorf("server.addr is required"))
	}

	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		result = multierror.Append(result, fmt.Errorf("upstream.base_url %q must be an absolute url", c.Upstream.BaseURL))
	}
	if c.Upstream.DNSRefresh < 0 {
		result = multierror.Append(result, fmt.Errorf("upstream.dns_refresh must not be negative"))
	}

	for i, h := range c.Auth.AllowedHosts {
		if strings.TrimSpace(h) == "" {
			result = multierror.Append(result, fmt.Errorf("auth.allowed_hosts %d/%d is blank", i+1, len(c.Auth.AllowedHosts)))
		}
	}
	for i, s := range c.Auth.Scopes {
		if strings.TrimSpace(s) == "" {
			result = multierror.Append(result, fmt.Errorf("auth.scopes %d/%d is blank", i+1, len(c.Auth.Scopes)))
		}
	}

	cc := c.Auth.Credential
	switch cc.Type {
	case CredentialAzureDefault, CredentialAzureManagedIdentity:
	case CredentialAzureClientSecret, CredentialOAuth2:
		if cc.ClientID == "" {
			result = multierror.Append(result, fmt.Errorf("auth.credential.client_id is required for %s", cc.Type))
		}
		if cc.ClientSecret == "" {
			result = multierror.Append(result, fmt.Errorf("auth.credential.client_secret is required for %s", cc.Type))
		}
		if cc.TenantID == "" && (cc.Type == CredentialAzureClientSecret || cc.TokenURL == "") {
			result = multierror.Append(result, fmt.Errorf("auth.credential.tenant_id is required for %s", cc.Type))
		}
	case CredentialStatic:
		if cc.Token == "" {
			result = multierror.Append(result, fmt.Errorf("auth.credential.token is required for %s", cc.Type))
		}
	case CredentialFile:
		if cc.Path == "" {
			result = multierror.Append(result, fmt.Errorf("auth.credential.path is required for %s", cc.Type))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("auth.credential.type %q is not supported", cc.Type))
	}

	if t := c.Telemetry.Tracing; t.Enabled {
		if t.Endpoint == "" {
			result = multierror.Append(result, fmt.Errorf("telemetry.tracing.endpoint is required when tracing is enabled"))
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			result = multierror.Append(result, fmt.Errorf("telemetry.tracing.sample_rate must be between 0 and 1"))
		}
	}

	if f := c.Log.Format; f != "json" && f != "text" {
		result = multierror.Append(result, fmt.Errorf("log.format %q must be json or text", f))
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", graphauth.ErrInvalidConfig, err)
	}
	return nil
}

// Package config provides configuration management for the BYOKEY gateway.
// It handles loading and parsing YAML or JSON configuration files and exposes
// an immutable snapshot that the request path reads without locking; reloads
// build a fresh snapshot and publish it atomically.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultHost is the listen address when none is configured.
const DefaultHost = "127.0.0.1"

// DefaultPort is the listen port when none is configured.
const DefaultPort = 8018

// Config represents the application's configuration, loaded from a YAML or
// JSON file. JSON parses through the YAML reader since YAML is a superset.
type Config struct {
	// Host is the listen address. Defaults to 127.0.0.1.
	Host string `yaml:"host" json:"host"`

	// Port is the listen port. Defaults to 8018.
	Port int `yaml:"port" json:"port"`

	// ProxyURL is the URL of an optional proxy server for outbound requests.
	ProxyURL string `yaml:"proxy_url" json:"proxy_url"`

	// Providers maps provider ids to their per-provider settings.
	Providers map[string]ProviderConfig `yaml:"providers" json:"providers"`

	// Amp holds amp upstream proxy settings.
	Amp AmpConfig `yaml:"amp,omitempty" json:"amp,omitempty"`

	// Streaming configures server-side streaming behavior.
	Streaming StreamingConfig `yaml:"streaming,omitempty" json:"streaming,omitempty"`

	// TLS configures outbound TLS client behavior.
	TLS TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`

	// TokenDB overrides the path of the token database. Empty means
	// ~/.byokey/tokens.db.
	TokenDB string `yaml:"token_db,omitempty" json:"token_db,omitempty"`

	// LogFile enables file logging with rotation when non-empty.
	LogFile string `yaml:"log_file,omitempty" json:"log_file,omitempty"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug,omitempty" json:"debug,omitempty"`
}

// ProviderConfig holds settings for a single upstream provider.
type ProviderConfig struct {
	// Enabled toggles the provider. nil means enabled.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// APIKey is a raw key supplied by configuration. It takes precedence
	// over any stored OAuth credential for the provider and is never
	// persisted to the token store.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Backend routes this provider's dialect through a different upstream.
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`

	// Fallback names a provider to try when this one has no usable
	// credential.
	Fallback string `yaml:"fallback,omitempty" json:"fallback,omitempty"`

	// ModelAliases maps inbound model names to upstream model names.
	ModelAliases map[string]string `yaml:"model_aliases,omitempty" json:"model_aliases,omitempty"`

	// ModelExclusions lists models hidden from /v1/models and rejected by
	// dispatch.
	ModelExclusions []string `yaml:"model_exclusions,omitempty" json:"model_exclusions,omitempty"`

	// PayloadRules mutate the translated request body before sending.
	PayloadRules PayloadRules `yaml:"payload_rules,omitempty" json:"payload_rules,omitempty"`

	// RoundRobin enables multi-account rotation for this provider.
	RoundRobin bool `yaml:"round_robin,omitempty" json:"round_robin,omitempty"`

	// ProxyURL overrides the global proxy for this provider only.
	ProxyURL string `yaml:"proxy_url,omitempty" json:"proxy_url,omitempty"`

	// Headers are extra headers set on every upstream request.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// IsEnabled reports whether the provider is enabled, defaulting to true.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// PayloadRules describes config-driven JSON mutations applied to translated
// request bodies. Paths use gjson/sjson syntax.
type PayloadRules struct {
	// Strip lists JSON paths removed from the body.
	Strip []string `yaml:"strip,omitempty" json:"strip,omitempty"`

	// Set maps JSON paths to values written into the body.
	Set map[string]any `yaml:"set,omitempty" json:"set,omitempty"`
}

// AmpConfig holds amp upstream settings.
type AmpConfig struct {
	// UpstreamKey authenticates management calls forwarded to ampcode.com.
	UpstreamKey string `yaml:"upstream_key,omitempty" json:"upstream_key,omitempty"`

	// HideFreeTier removes free-tier models from amp model listings.
	HideFreeTier bool `yaml:"hide_free_tier,omitempty" json:"hide_free_tier,omitempty"`

	// UpstreamURL overrides the amp management endpoint. Default
	// https://ampcode.com.
	UpstreamURL string `yaml:"upstream_url,omitempty" json:"upstream_url,omitempty"`
}

// StreamingConfig holds server streaming behavior configuration.
type StreamingConfig struct {
	// IdleTimeoutSeconds aborts a streaming read after this long with no
	// bytes from upstream. <= 0 means the 180 s default.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds,omitempty" json:"idle_timeout_seconds,omitempty"`
}

// IdleTimeoutOrDefault returns the configured idle timeout in seconds.
func (s StreamingConfig) IdleTimeoutOrDefault() int {
	if s.IdleTimeoutSeconds > 0 {
		return s.IdleTimeoutSeconds
	}
	return 180
}

// TLSConfig holds outbound TLS client settings.
type TLSConfig struct {
	// Impersonate selects a TLS client-hello fingerprint (e.g. "chrome",
	// "safari"). Empty uses the Go default.
	Impersonate string `yaml:"impersonate,omitempty" json:"impersonate,omitempty"`
}

// DefaultConfigPath returns ~/.config/byokey/settings.json.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "settings.json"
	}
	return filepath.Join(home, ".config", "byokey", "settings.json")
}

// DefaultTokenDBPath returns ~/.byokey/tokens.db.
func DefaultTokenDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tokens.db"
	}
	return filepath.Join(home, ".byokey", "tokens.db")
}

// Load reads and parses the configuration file at path. A missing file yields
// the defaults rather than an error so first runs work without setup.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err = Parse(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML or JSON bytes into cfg and applies defaults.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	if c.TokenDB == "" {
		c.TokenDB = DefaultTokenDBPath()
	}
}

// Provider returns the configuration for the given provider id, zero-valued
// when absent.
func (c *Config) Provider(id string) ProviderConfig {
	if c == nil || c.Providers == nil {
		return ProviderConfig{}
	}
	return c.Providers[strings.ToLower(id)]
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

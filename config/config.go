package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brettbedarf/spattach/internal/util"
	"gopkg.in/yaml.v3"
)

// CLI style verbosity values accepted by [ConfigOverride.LogLvl]
const (
	ErrorVerbose = iota + 1
	WarnVerbose
	InfoVerbose
	DebugVerbose
	TraceVerbose
)

// Default configuration constants. See [Config] for field descriptions.
const (
	DefaultLogLvl = util.InfoLevel

	// DefaultMaxAttempts counts every call, the first one included
	DefaultMaxAttempts = 5

	// DefaultBackoffBase is multiplied by 2^retry for 429/503 and network failures
	DefaultBackoffBase = 250 * time.Millisecond

	// DefaultMaxBackoff caps the exponential term, not the server's Retry-After
	DefaultMaxBackoff = 30 * time.Second

	// DefaultRateLimitLowWater is the remaining budget under which the executor
	// pauses until the advertised reset
	DefaultRateLimitLowWater = 10

	// DefaultTokenSafetyMargin keeps digests that would expire mid-flight out of use
	DefaultTokenSafetyMargin = 30 * time.Second

	// DefaultTokenTTL applies when the server omits FormDigestTimeoutSeconds
	DefaultTokenTTL = 15 * time.Minute

	// DefaultRequestTimeout bounds a single HTTP round trip
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRequestsPerSecond of 0 disables client-side pacing
	DefaultMaxRequestsPerSecond = 0.0

	DefaultUserAgent = "spattach/1.0"
)

// Config contains runtime configuration values for the access layer.
type Config struct {
	LogLvl               util.LogLevel     // Internal log level (Default info)
	MaxAttempts          int               // Total calls per request descriptor before giving up on 429/503/network errors (Default 5)
	BackoffBase          time.Duration     // Exponential backoff base (Default 250ms)
	MaxBackoff           time.Duration     // Cap on the exponential backoff term (Default 30s)
	RateLimitLowWater    int               // Pause when RateLimit-Remaining drops below this (Default 10)
	TokenSafetyMargin    time.Duration     // Digest is treated as expired this long before its real expiry (Default 30s)
	DefaultTokenTTL      time.Duration     // Digest lifetime when the server does not advertise one (Default 15m)
	RequestTimeout       time.Duration     // Per round trip HTTP timeout (Default 30s)
	MaxRequestsPerSecond float64           // Client-side pacing, 0 disables (Default 0)
	UserAgent            string            // User-Agent sent on every call
	Headers              map[string]string // Extra headers sent on every call, e.g. Authorization
}

// ConfigOverride uses pointer fields to distinguish between unset and zero values
// when loading partial configuration. See [Config] for field descriptions.
type ConfigOverride struct {
	LogLvl                   *int              `yaml:"verbose,omitempty" json:"verbose,omitempty"` // CLI verbosity 1 (error) .. 5 (trace)
	MaxAttempts              *int              `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	BackoffBaseMs            *int              `yaml:"backoff_base_ms,omitempty" json:"backoff_base_ms,omitempty"`
	MaxBackoffMs             *int              `yaml:"max_backoff_ms,omitempty" json:"max_backoff_ms,omitempty"`
	RateLimitLowWater        *int              `yaml:"rate_limit_low_water,omitempty" json:"rate_limit_low_water,omitempty"`
	TokenSafetyMarginSeconds *int              `yaml:"token_safety_margin_seconds,omitempty" json:"token_safety_margin_seconds,omitempty"`
	DefaultTokenTTLSeconds   *int              `yaml:"default_token_ttl_seconds,omitempty" json:"default_token_ttl_seconds,omitempty"`
	RequestTimeoutSeconds    *float64          `yaml:"request_timeout_seconds,omitempty" json:"request_timeout_seconds,omitempty"`
	MaxRequestsPerSecond     *float64          `yaml:"max_requests_per_second,omitempty" json:"max_requests_per_second,omitempty"`
	UserAgent                *string           `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
	Headers                  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// NewDefaultConfig creates a new Config with all default values.
func NewDefaultConfig() *Config {
	return &Config{
		LogLvl:               DefaultLogLvl,
		MaxAttempts:          DefaultMaxAttempts,
		BackoffBase:          DefaultBackoffBase,
		MaxBackoff:           DefaultMaxBackoff,
		RateLimitLowWater:    DefaultRateLimitLowWater,
		TokenSafetyMargin:    DefaultTokenSafetyMargin,
		DefaultTokenTTL:      DefaultTokenTTL,
		RequestTimeout:       DefaultRequestTimeout,
		MaxRequestsPerSecond: DefaultMaxRequestsPerSecond,
		UserAgent:            DefaultUserAgent,
		Headers:              map[string]string{},
	}
}

// NewConfig returns the defaults with override applied. A nil override is allowed.
func NewConfig(override *ConfigOverride) *Config {
	cfg := NewDefaultConfig()
	if override != nil {
		cfg.Merge(override)
	}
	return cfg
}

// Merge applies non-nil values from override onto this Config.
// This allows partial configuration updates while preserving existing values.
// Header maps are merged key by key.
func (c *Config) Merge(override *ConfigOverride) {
	if override.LogLvl != nil {
		c.LogLvl = util.VerbosityToLevel(*override.LogLvl)
	}
	if override.MaxAttempts != nil {
		c.MaxAttempts = *override.MaxAttempts
	}
	if override.BackoffBaseMs != nil {
		c.BackoffBase = time.Duration(*override.BackoffBaseMs) * time.Millisecond
	}
	if override.MaxBackoffMs != nil {
		c.MaxBackoff = time.Duration(*override.MaxBackoffMs) * time.Millisecond
	}
	if override.RateLimitLowWater != nil {
		c.RateLimitLowWater = *override.RateLimitLowWater
	}
	if override.TokenSafetyMarginSeconds != nil {
		c.TokenSafetyMargin = time.Duration(*override.TokenSafetyMarginSeconds) * time.Second
	}
	if override.DefaultTokenTTLSeconds != nil {
		c.DefaultTokenTTL = time.Duration(*override.DefaultTokenTTLSeconds) * time.Second
	}
	if override.RequestTimeoutSeconds != nil {
		c.RequestTimeout = time.Duration(*override.RequestTimeoutSeconds * float64(time.Second))
	}
	if override.MaxRequestsPerSecond != nil {
		c.MaxRequestsPerSecond = *override.MaxRequestsPerSecond
	}
	if override.UserAgent != nil {
		c.UserAgent = *override.UserAgent
	}
	if len(override.Headers) > 0 {
		if c.Headers == nil {
			c.Headers = make(map[string]string, len(override.Headers))
		}
		maps.Copy(c.Headers, override.Headers)
	}
}

// Validate rejects values the executor and token cache cannot work with
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BackoffBase < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if c.TokenSafetyMargin < 0 {
		return fmt.Errorf("token_safety_margin_seconds must not be negative")
	}
	if c.DefaultTokenTTL <= c.TokenSafetyMargin {
		return fmt.Errorf("default token ttl (%s) must exceed the safety margin (%s)", c.DefaultTokenTTL, c.TokenSafetyMargin)
	}
	if c.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("max_requests_per_second must not be negative")
	}
	return nil
}

// LoadConfigOverrideFile loads configuration overrides from a file without merging.
// Supports both YAML (.yaml, .yml) and JSON (.json) formats.
func LoadConfigOverrideFile(path string) (*ConfigOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override ConfigOverride

	// Determine format by file extension
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", path)
	}

	return &override, nil
}

// NewConfigFromFile creates a new Config by merging file overrides with defaults.
// This is a convenience function that combines NewDefaultConfig, LoadConfigOverrideFile, and Merge.
func NewConfigFromFile(path string) (*Config, error) {
	override, err := LoadConfigOverrideFile(path)
	if err != nil {
		return nil, err
	}
	return NewConfig(override), nil
}

// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for Parlor daemons.
type Config struct {
	// Environment identifies the deployment type (development, staging,
	// production).
	Environment Environment `yaml:"environment"`

	// Peer configures the parlor-peer daemon.
	Peer PeerConfig `yaml:"peer"`

	// Relay configures the parlor-relay daemon.
	Relay RelayConfig `yaml:"relay"`

	// Media configures the WebRTC media layer.
	Media MediaConfig `yaml:"media"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// Per-environment overrides, applied after the base config loads.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains the sections that can be overridden per
// environment.
type ConfigOverrides struct {
	Peer  *PeerConfig  `yaml:"peer,omitempty"`
	Relay *RelayConfig `yaml:"relay,omitempty"`
	Media *MediaConfig `yaml:"media,omitempty"`
	Log   *LogConfig   `yaml:"log,omitempty"`
}

// PeerConfig configures the parlor-peer daemon.
type PeerConfig struct {
	// Session is the table namespace this peer signals within.
	Session string `yaml:"session"`

	// ID is this peer's identity within the session. Expanded, so
	// "${HOSTNAME}" works for fleet deploys.
	ID string `yaml:"id"`

	// RelayURL is the relay base URL.
	// Default: http://127.0.0.1:7410
	RelayURL string `yaml:"relay_url"`

	// Transport selects the signaling transport: "http" polls the
	// relay, "websocket" holds a push stream to it.
	// Default: http
	Transport string `yaml:"transport"`

	// Policy tunes negotiation timing. Empty fields use the built-in
	// defaults, which suit human-scale card games.
	Policy PolicyConfig `yaml:"policy"`
}

// PolicyConfig holds negotiation timing knobs as duration strings
// ("2s", "150ms"). Empty means the built-in default.
type PolicyConfig struct {
	// PollInterval is the mailbox fetch cadence.
	PollInterval string `yaml:"poll_interval"`

	// SweepInterval is the stale-negotiation check cadence.
	SweepInterval string `yaml:"sweep_interval"`

	// EstablishStagger spaces the offers of one connection round.
	EstablishStagger string `yaml:"establish_stagger"`

	// NegotiationTimeout bounds one offer/answer attempt.
	NegotiationTimeout string `yaml:"negotiation_timeout"`

	// GraceWindow is how long a dropped connection may stay down
	// before repair kicks in.
	GraceWindow string `yaml:"grace_window"`

	// MaxRetries caps re-offers per trouble. Zero means the built-in
	// default; negative disables retries.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoffBase and RetryBackoffMax shape the wait before the
	// nth retry: min(n*base, max).
	RetryBackoffBase string `yaml:"retry_backoff_base"`
	RetryBackoffMax  string `yaml:"retry_backoff_max"`
}

// RelayConfig configures the parlor-relay daemon.
type RelayConfig struct {
	// Listen is the relay's bind address.
	// Default: :7410
	Listen string `yaml:"listen"`

	// TokenSecret signs join tokens. Expanded, so
	// "${PARLOR_TOKEN_SECRET}" keeps the secret out of the file.
	TokenSecret string `yaml:"token_secret"`

	// TokenTTL bounds how long a join token stays valid.
	// Default: 24h
	TokenTTL string `yaml:"token_ttl"`

	// Store selects the mailbox store: "memory" or "redis".
	// Default: memory
	Store string `yaml:"store"`

	// RedisAddr is the redis host:port when Store is "redis".
	RedisAddr string `yaml:"redis_addr"`

	// MessageTTL bounds how long undrained messages and idle peers
	// survive in the store.
	// Default: 24h
	MessageTTL string `yaml:"message_ttl"`
}

// MediaConfig configures the WebRTC media layer.
type MediaConfig struct {
	// STUNServers are handed to the WebRTC engine for reflexive
	// candidate discovery.
	STUNServers []string `yaml:"stun_servers"`

	// Synthetic replaces capture hardware with a generated silent
	// audio track, enough to exercise the media path on machines
	// without a microphone.
	// Default: true (development), false (production)
	Synthetic bool `yaml:"synthetic"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the slog level: debug, info, warn, or error.
	// Default: debug (development), info (production)
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level onto slog's scale. An empty
// level means info.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level must be debug, info, warn, or error, got %q", l.Level)
}

// Duration converts a config duration string into a time.Duration.
// Empty strings return zero so downstream defaulting applies.
func Duration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	return time.ParseDuration(value)
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file; a bare Default() is a
// working single-machine development setup.
func Default() *Config {
	return &Config{
		Environment: Development,
		Peer: PeerConfig{
			RelayURL:  "http://127.0.0.1:7410",
			Transport: "http",
		},
		Relay: RelayConfig{
			Listen:     ":7410",
			TokenTTL:   "24h",
			Store:      "memory",
			RedisAddr:  "127.0.0.1:6379",
			MessageTTL: "24h",
		},
		Media: MediaConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			Synthetic:   true,
		},
		Log: LogConfig{
			Level: "debug",
		},
	}
}

// Load loads configuration from the file named by PARLOR_CONFIG.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks: if PARLOR_CONFIG is not set, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("PARLOR_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PARLOR_CONFIG environment variable not set; " +
			"set it to the path of your parlor.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values; the only expansion
// performed is the ${VAR} patterns in the handful of per-machine
// fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific section.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: no synthetic media, quieter logs.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Media: &MediaConfig{Synthetic: false},
				Log:   &LogConfig{Level: "info"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Peer != nil {
		if overrides.Peer.Session != "" {
			c.Peer.Session = overrides.Peer.Session
		}
		if overrides.Peer.ID != "" {
			c.Peer.ID = overrides.Peer.ID
		}
		if overrides.Peer.RelayURL != "" {
			c.Peer.RelayURL = overrides.Peer.RelayURL
		}
		if overrides.Peer.Transport != "" {
			c.Peer.Transport = overrides.Peer.Transport
		}
		c.Peer.Policy.apply(overrides.Peer.Policy)
	}

	if overrides.Relay != nil {
		if overrides.Relay.Listen != "" {
			c.Relay.Listen = overrides.Relay.Listen
		}
		if overrides.Relay.TokenSecret != "" {
			c.Relay.TokenSecret = overrides.Relay.TokenSecret
		}
		if overrides.Relay.TokenTTL != "" {
			c.Relay.TokenTTL = overrides.Relay.TokenTTL
		}
		if overrides.Relay.Store != "" {
			c.Relay.Store = overrides.Relay.Store
		}
		if overrides.Relay.RedisAddr != "" {
			c.Relay.RedisAddr = overrides.Relay.RedisAddr
		}
		if overrides.Relay.MessageTTL != "" {
			c.Relay.MessageTTL = overrides.Relay.MessageTTL
		}
	}

	if overrides.Media != nil {
		if len(overrides.Media.STUNServers) > 0 {
			c.Media.STUNServers = overrides.Media.STUNServers
		}
		// Synthetic is a bool, so we always apply it from overrides.
		c.Media.Synthetic = overrides.Media.Synthetic
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
	}
}

func (p *PolicyConfig) apply(o PolicyConfig) {
	if o.PollInterval != "" {
		p.PollInterval = o.PollInterval
	}
	if o.SweepInterval != "" {
		p.SweepInterval = o.SweepInterval
	}
	if o.EstablishStagger != "" {
		p.EstablishStagger = o.EstablishStagger
	}
	if o.NegotiationTimeout != "" {
		p.NegotiationTimeout = o.NegotiationTimeout
	}
	if o.GraceWindow != "" {
		p.GraceWindow = o.GraceWindow
	}
	if o.MaxRetries != 0 {
		p.MaxRetries = o.MaxRetries
	}
	if o.RetryBackoffBase != "" {
		p.RetryBackoffBase = o.RetryBackoffBase
	}
	if o.RetryBackoffMax != "" {
		p.RetryBackoffMax = o.RetryBackoffMax
	}
}

// expandVariables expands ${VAR} patterns in the per-machine fields.
func (c *Config) expandVariables() {
	hostname, _ := os.Hostname()
	vars := map[string]string{
		"HOME":     os.Getenv("HOME"),
		"HOSTNAME": hostname,
	}

	c.Peer.ID = expandVars(c.Peer.ID, vars)
	c.Peer.RelayURL = expandVars(c.Peer.RelayURL, vars)
	c.Relay.TokenSecret = expandVars(c.Relay.TokenSecret, vars)
	c.Relay.RedisAddr = expandVars(c.Relay.RedisAddr, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for format errors. Requirements
// specific to one daemon (peer identity, relay token secret) are
// enforced by that daemon instead.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Peer.RelayURL == "" {
		errs = append(errs, fmt.Errorf("peer.relay_url is required"))
	}
	if c.Peer.Transport != "http" && c.Peer.Transport != "websocket" {
		errs = append(errs, fmt.Errorf("peer.transport must be http or websocket, got %q", c.Peer.Transport))
	}
	errs = append(errs, c.Peer.Policy.validate()...)

	if c.Relay.Listen == "" {
		errs = append(errs, fmt.Errorf("relay.listen is required"))
	}
	switch c.Relay.Store {
	case "memory":
	case "redis":
		if c.Relay.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("relay.redis_addr is required when relay.store is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("relay.store must be memory or redis, got %q", c.Relay.Store))
	}
	if err := checkDuration("relay.token_ttl", c.Relay.TokenTTL); err != nil {
		errs = append(errs, err)
	}
	if err := checkDuration("relay.message_ttl", c.Relay.MessageTTL); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (p PolicyConfig) validate() []error {
	var errs []error
	fields := []struct {
		name  string
		value string
	}{
		{"peer.policy.poll_interval", p.PollInterval},
		{"peer.policy.sweep_interval", p.SweepInterval},
		{"peer.policy.establish_stagger", p.EstablishStagger},
		{"peer.policy.negotiation_timeout", p.NegotiationTimeout},
		{"peer.policy.grace_window", p.GraceWindow},
		{"peer.policy.retry_backoff_base", p.RetryBackoffBase},
		{"peer.policy.retry_backoff_max", p.RetryBackoffMax},
	}
	for _, field := range fields {
		if err := checkDuration(field.name, field.value); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// checkDuration verifies a non-empty duration string parses to a
// positive value.
func checkDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %v", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return nil
}

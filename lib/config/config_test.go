// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Peer.Transport != "http" {
		t.Errorf("expected transport=http, got %s", cfg.Peer.Transport)
	}
	if cfg.Relay.Listen != ":7410" {
		t.Errorf("expected listen=:7410, got %s", cfg.Relay.Listen)
	}
	if cfg.Relay.Store != "memory" {
		t.Errorf("expected store=memory, got %s", cfg.Relay.Store)
	}
	if !cfg.Media.Synthetic {
		t.Error("expected synthetic media on for development")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresParlorConfig(t *testing.T) {
	origConfig := os.Getenv("PARLOR_CONFIG")
	defer os.Setenv("PARLOR_CONFIG", origConfig)

	os.Unsetenv("PARLOR_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when PARLOR_CONFIG not set, got nil")
	}
	if !strings.Contains(err.Error(), "PARLOR_CONFIG") {
		t.Errorf("expected error to mention PARLOR_CONFIG, got %q", err.Error())
	}
}

func TestLoad_WithParlorConfig(t *testing.T) {
	origConfig := os.Getenv("PARLOR_CONFIG")
	defer os.Setenv("PARLOR_CONFIG", origConfig)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "parlor.yaml")

	configContent := `
environment: staging
peer:
  session: table-7
  id: alice
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	os.Setenv("PARLOR_CONFIG", configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Peer.Session != "table-7" {
		t.Errorf("expected session=table-7, got %s", cfg.Peer.Session)
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "parlor.yaml")

	configContent := `
environment: staging

peer:
  session: table-7
  id: alice
  relay_url: https://relay.example.net
  transport: websocket
  policy:
    negotiation_timeout: 45s
    max_retries: 5

relay:
  listen: ":9000"
  store: redis
  redis_addr: redis.example.net:6379
  message_ttl: 1h

media:
  stun_servers:
    - stun:stun.example.net:3478
  synthetic: false

log:
  level: warn
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Peer.RelayURL != "https://relay.example.net" {
		t.Errorf("expected relay_url=https://relay.example.net, got %s", cfg.Peer.RelayURL)
	}
	if cfg.Peer.Transport != "websocket" {
		t.Errorf("expected transport=websocket, got %s", cfg.Peer.Transport)
	}
	if cfg.Peer.Policy.NegotiationTimeout != "45s" {
		t.Errorf("expected negotiation_timeout=45s, got %s", cfg.Peer.Policy.NegotiationTimeout)
	}
	if cfg.Peer.Policy.MaxRetries != 5 {
		t.Errorf("expected max_retries=5, got %d", cfg.Peer.Policy.MaxRetries)
	}
	if cfg.Relay.Store != "redis" {
		t.Errorf("expected store=redis, got %s", cfg.Relay.Store)
	}
	if cfg.Relay.RedisAddr != "redis.example.net:6379" {
		t.Errorf("expected redis_addr=redis.example.net:6379, got %s", cfg.Relay.RedisAddr)
	}
	if len(cfg.Media.STUNServers) != 1 || cfg.Media.STUNServers[0] != "stun:stun.example.net:3478" {
		t.Errorf("unexpected stun_servers: %v", cfg.Media.STUNServers)
	}
	if cfg.Media.Synthetic {
		t.Error("expected synthetic=false")
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected level=warn, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config does not validate: %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "parlor.yaml")

	configContent := `
environment: production

peer:
  session: table-7
  id: alice
  transport: http

log:
  level: debug

production:
  peer:
    transport: websocket
  relay:
    listen: ":443"
  log:
    level: error
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Peer.Transport != "websocket" {
		t.Errorf("expected transport=websocket from production override, got %s", cfg.Peer.Transport)
	}
	if cfg.Relay.Listen != ":443" {
		t.Errorf("expected listen=:443 from production override, got %s", cfg.Relay.Listen)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("expected level=error from production override, got %s", cfg.Log.Level)
	}
	// An explicit production section replaces the built-in production
	// defaults wholesale; its Media override is absent so synthetic
	// keeps the base value.
	if !cfg.Media.Synthetic {
		t.Error("expected synthetic media untouched by partial override")
	}
}

func TestProductionDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "parlor.yaml")

	configContent := `
environment: production
peer:
  session: table-7
  id: alice
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Media.Synthetic {
		t.Error("expected synthetic media off in production")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected level=info in production, got %s", cfg.Log.Level)
	}
}

func TestExpandVariables(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "parlor.yaml")

	origSecret := os.Getenv("PARLOR_TOKEN_SECRET")
	defer os.Setenv("PARLOR_TOKEN_SECRET", origSecret)
	os.Setenv("PARLOR_TOKEN_SECRET", "from-env")

	configContent := `
peer:
  id: peer-${MISSING_VAR:-fallback}
relay:
  token_secret: ${PARLOR_TOKEN_SECRET}
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Peer.ID != "peer-fallback" {
		t.Errorf("expected id=peer-fallback, got %s", cfg.Peer.ID)
	}
	if cfg.Relay.TokenSecret != "from-env" {
		t.Errorf("expected token_secret=from-env, got %s", cfg.Relay.TokenSecret)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/parlor",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/parlor",
		},
		{
			input:    "${MISSING:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid environment",
			modify: func(c *Config) {
				c.Environment = "invalid"
			},
			wantErr: true,
		},
		{
			name: "invalid transport",
			modify: func(c *Config) {
				c.Peer.Transport = "carrier-pigeon"
			},
			wantErr: true,
		},
		{
			name: "invalid store",
			modify: func(c *Config) {
				c.Relay.Store = "postgres"
			},
			wantErr: true,
		},
		{
			name: "redis store without address",
			modify: func(c *Config) {
				c.Relay.Store = "redis"
				c.Relay.RedisAddr = ""
			},
			wantErr: true,
		},
		{
			name: "malformed policy duration",
			modify: func(c *Config) {
				c.Peer.Policy.GraceWindow = "ten seconds"
			},
			wantErr: true,
		},
		{
			name: "negative message ttl",
			modify: func(c *Config) {
				c.Relay.MessageTTL = "-1h"
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "loud"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := LogConfig{Level: tt.level}.SlogLevel()
		if err != nil {
			t.Errorf("SlogLevel(%q) error: %v", tt.level, err)
			continue
		}
		if got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}

	if _, err := (LogConfig{Level: "loud"}).SlogLevel(); err == nil {
		t.Error("expected error for unknown level")
	}
}

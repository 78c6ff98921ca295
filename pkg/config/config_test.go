package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
	if cfg.Audio.MicThreshold != 15 {
		t.Errorf("expected default mic threshold 15, got %v", cfg.Audio.MicThreshold)
	}
	if cfg.Session.GateCloseDelay != 500*time.Millisecond {
		t.Errorf("expected default gate close delay 500ms, got %v", cfg.Session.GateCloseDelay)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "monitor interval must be > 0",
			mutate: func(c *Config) { c.Session.MonitorInterval = 0 },
		},
		{
			name:   "close delay shorter than open delay",
			mutate: func(c *Config) { c.Session.GateOpenDelay = time.Second },
		},
		{
			name:   "input volume above 100",
			mutate: func(c *Config) { c.Audio.InputVolume = 101 },
		},
		{
			name:   "negative mic threshold",
			mutate: func(c *Config) { c.Audio.MicThreshold = -1 },
		},
		{
			name: "port range inverted",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50000
				c.WebRTC.PortRange.Max = 40000
			},
		},
		{
			name:   "unknown relay backend",
			mutate: func(c *Config) { c.Relay.Backend = "carrier-pigeon" },
		},
		{
			name: "websocket backend requires secret",
			mutate: func(c *Config) {
				c.Relay.Backend = "websocket"
				c.Relay.TokenSecret = ""
			},
		},
		{
			name:   "message ttl shorter than max age",
			mutate: func(c *Config) { c.Relay.MessageTTL = time.Second },
		},
		{
			name: "badger storage requires path",
			mutate: func(c *Config) {
				c.RelayServer.Storage = "badger"
				c.RelayServer.BadgerPath = ""
			},
		},
		{
			name:   "pong timeout must exceed ping interval",
			mutate: func(c *Config) { c.RelayServer.PongTimeout = c.RelayServer.PingInterval },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.Backend != "memory" {
		t.Errorf("expected memory backend, got %q", cfg.Relay.Backend)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
identity:
  id: alice
  name: Alice
audio:
  mic_threshold: 30
relay:
  backend: websocket
  url: ws://relay:8090/ws
  token_secret: s3cret
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MESHVOICE_IDENTITY_NAME", "Alice B")
	t.Setenv("MESHVOICE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Identity.ID != "alice" {
		t.Errorf("expected identity id alice, got %q", cfg.Identity.ID)
	}
	if cfg.Identity.Name != "Alice B" {
		t.Errorf("expected env override for name, got %q", cfg.Identity.Name)
	}
	if cfg.Audio.MicThreshold != 30 {
		t.Errorf("expected mic threshold 30, got %v", cfg.Audio.MicThreshold)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Audio.InputVolume != 100 {
		t.Errorf("expected default input volume, got %v", cfg.Audio.InputVolume)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Logging.Level)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("audio: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Registry.SweepIntervalSec != 300 {
		t.Errorf("expected sweep interval 300s, got %d", cfg.Registry.SweepIntervalSec)
	}
	if cfg.Registry.StaleAfterSec != 1800 {
		t.Errorf("expected stale threshold 1800s, got %d", cfg.Registry.StaleAfterSec)
	}
	if cfg.NATS.Enabled {
		t.Error("NATS must be disabled by default")
	}
	if cfg.NATS.SubjectPrefix != "duocam" {
		t.Errorf("wrong subject prefix %q", cfg.NATS.SubjectPrefix)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("wrong log level %q", cfg.Log.Level)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("wrong host %q", cfg.Server.Host)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  host: 127.0.0.1
  port: 9090
registry:
  stale_after_sec: 600
nats:
  enabled: true
  url: nats://nats.internal:4222
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("wrong host %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("wrong port %d", cfg.Server.Port)
	}
	if cfg.Registry.StaleAfterSec != 600 {
		t.Errorf("wrong stale threshold %d", cfg.Registry.StaleAfterSec)
	}
	if !cfg.NATS.Enabled {
		t.Error("nats.enabled not read from file")
	}
	if cfg.Registry.SweepIntervalSec != 300 {
		t.Errorf("unset field must keep its default, got %d", cfg.Registry.SweepIntervalSec)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("NATS_ENABLED", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("PORT override ignored, got %d", cfg.Server.Port)
	}
	if !cfg.NATS.Enabled {
		t.Error("NATS_ENABLED override ignored")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("LOG_LEVEL override ignored, got %q", cfg.Log.Level)
	}
}

func TestEnvOverrideBadIntFallsBack(t *testing.T) {
	t.Setenv("PORT", "not-a-port")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("unparseable PORT must keep the default, got %d", cfg.Server.Port)
	}
}

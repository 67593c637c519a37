package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
server:
  port: "9090"
bus:
  driver: redis
  redis:
    addr: localhost:6379
    ttl: 30m
quiz:
  emitSessionEnded: false
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Bus.Driver != "redis" || cfg.Bus.Redis.Addr != "localhost:6379" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Timer.Interval != "1s" || cfg.Local.Driver != "file" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.SessionEndedEnabled() {
		t.Fatalf("expected session end announcements disabled")
	}
	if got := Duration(cfg.Bus.Redis.TTL, time.Minute); got != 30*time.Minute {
		t.Fatalf("expected 30m, got %s", got)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PORT", "7070")
	t.Setenv("BUS_DRIVER", "NATS")
	t.Setenv("BACKEND_URL", "http://backend:8000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "7070" || cfg.Bus.Driver != "nats" || cfg.Backend.URL != "http://backend:8000" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if cfg.Bus.Driver != "memory" || !cfg.SessionEndedEnabled() {
		t.Fatalf("expected defaults alongside the error, got %+v", cfg)
	}
}

func TestDurationFallback(t *testing.T) {
	if got := Duration("", time.Second); got != time.Second {
		t.Fatalf("empty: got %s", got)
	}
	if got := Duration("soon", time.Second); got != time.Second {
		t.Fatalf("invalid: got %s", got)
	}
}

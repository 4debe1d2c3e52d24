package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestValidate_RejectsRelayEnabledWithoutPort(t *testing.T) {
	cfg := Default()
	cfg.Relay.Enabled = true
	cfg.Relay.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for relay.enabled with port=0")
	}
}

func TestValidate_RejectsZeroDefaultTTL(t *testing.T) {
	cfg := Default()
	cfg.Router.DefaultTTL = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero default_ttl")
	}
}

func TestEnsure_CreatesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first run")
	}
	if cfg.Router.DefaultTTL != Default().Router.DefaultTTL {
		t.Fatalf("expected default ttl, got %d", cfg.Router.DefaultTTL)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}

	cfg2, created2, err := Ensure(path)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created2 {
		t.Fatal("expected created=false on second run")
	}
	if cfg2.Router.DefaultTTL != cfg.Router.DefaultTTL {
		t.Fatal("expected reloaded config to match saved config")
	}
}

func TestWatchReload_FiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Config, 1)
	if err := WatchReload(ctx, path, func(c Config) { reloaded <- c }); err != nil {
		t.Fatalf("watch reload: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	cfg.Router.DefaultTTL = 32
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save update: %v", err)
	}

	select {
	case got := <-reloaded:
		if got.Router.DefaultTTL != 32 {
			t.Fatalf("expected reloaded ttl=32, got %d", got.Router.DefaultTTL)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

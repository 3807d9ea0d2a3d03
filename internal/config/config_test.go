package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CONFIG_ENV", "test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 || cfg.Mode != "release" {
		t.Errorf("port/mode = %d/%s", cfg.Port, cfg.Mode)
	}
	if cfg.Render.RetryAttempts != 3 || cfg.Render.RetryDelay != 160*time.Millisecond {
		t.Errorf("render = %+v", cfg.Render)
	}
	if cfg.Screen.Quiescence != 1500*time.Millisecond {
		t.Errorf("quiescence = %s", cfg.Screen.Quiescence)
	}
	if !cfg.Policy.AutoDisableCamera {
		t.Error("auto_disable_camera should default to true")
	}
	if cfg.Presence.Driver != "memory" || cfg.TokenTTL != 10*time.Minute {
		t.Errorf("presence/ttl = %s/%s", cfg.Presence.Driver, cfg.TokenTTL)
	}
	if cfg.Client.SubscribeTimeout != 15*time.Second || cfg.ControlKey != "" {
		t.Errorf("subscribe timeout/control key = %s/%q", cfg.Client.SubscribeTimeout, cfg.ControlKey)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := chdirTemp(t)
	t.Setenv("CONFIG_ENV", "test")
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "port: 9090\npresence:\n  driver: sqlite\n  dsn: /tmp/x.db\npolicy:\n  auto_disable_camera: false\n"
	if err := os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STAGE_PORT", "9191")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9191 {
		t.Errorf("port = %d, want env override 9191", cfg.Port)
	}
	if cfg.Presence.Driver != "sqlite" || cfg.Presence.DSN != "/tmp/x.db" {
		t.Errorf("presence = %+v", cfg.Presence)
	}
	if cfg.Policy.AutoDisableCamera {
		t.Error("file should disable auto_disable_camera")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdirTemp(t)
	t.Setenv("CONFIG_ENV", "test")
	// register for cleanup so the variable loaded from .env does not leak
	t.Setenv("STAGE_MODE", "")
	os.Unsetenv("STAGE_MODE")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("STAGE_MODE=debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "debug" {
		t.Errorf("mode = %s, want debug from .env", cfg.Mode)
	}
}

func TestValidate_RejectsUnknownDriver(t *testing.T) {
	cfg := Config{Port: 80, TokenTTL: time.Minute, Secret: "s", Presence: PresenceConfig{Driver: "redis"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

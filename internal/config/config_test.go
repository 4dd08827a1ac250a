package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
version: 1
storage:
  dsn: postgres://localhost/test
server:
  host: 0.0.0.0
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadRequiresVersion(t *testing.T) {
	path := writeConfig(t, `
storage:
  dsn: postgres://localhost/test
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing version")
	}
}

func TestLoadValidatesStorageDSN(t *testing.T) {
	path := writeConfig(t, `
version: 1
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "storage.dsn") {
		t.Fatalf("expected storage.dsn error, got %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
version: 1
storage:
  dsn: postgres://localhost/test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("Server.HTTPPort = %d, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.RateLimit.WindowMS != 60000 {
		t.Errorf("RateLimit.WindowMS = %d, want 60000", cfg.RateLimit.WindowMS)
	}
	if cfg.Realtime.Path != "/ws" {
		t.Errorf("Realtime.Path = %q, want /ws", cfg.Realtime.Path)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadEnvOverridesDatabaseURL(t *testing.T) {
	path := writeConfig(t, `
version: 1
`)

	t.Setenv("DATABASE_URL", "postgres://localhost/from-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.DSN != "postgres://localhost/from-env" {
		t.Errorf("Storage.DSN = %q, want value from DATABASE_URL", cfg.Storage.DSN)
	}
}

func TestRateLimitConfig_PlanLimits_MergesOverridesOverDefaults(t *testing.T) {
	cfg := RateLimitConfig{
		Plans: map[string]RateLimitPlanOverride{
			"free": {Sync: 3},
		},
	}

	limits := cfg.PlanLimits()
	free := limits["free"]
	if free.Sync != 3 {
		t.Errorf("overridden Sync = %d, want 3", free.Sync)
	}
	if free.Async != 50 {
		t.Errorf("un-overridden Async = %d, want default 50", free.Async)
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow-core.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/pingtriage/internal/pingtriage"
	"github.com/agentworkforce/pingtriage/internal/workflow"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("PINGTRIAGE_TEST_INT", "42")
	got := intEnv("PINGTRIAGE_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("PINGTRIAGE_TEST_INT_BAD", "not-a-number")
	got := intEnv("PINGTRIAGE_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestInt64EnvParsesValue(t *testing.T) {
	t.Setenv("PINGTRIAGE_TEST_INT64", "1048576")
	if got := int64Env("PINGTRIAGE_TEST_INT64", 1); got != 1048576 {
		t.Fatalf("expected 1048576, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("PINGTRIAGE_TEST_DURATION", "150ms")
	got := durationEnv("PINGTRIAGE_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("PINGTRIAGE_TEST_DURATION_BAD", "soon")
	got := durationEnv("PINGTRIAGE_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("PINGTRIAGE_TEST_BOOL", "false")
	if boolEnv("PINGTRIAGE_TEST_BOOL", true) {
		t.Fatalf("expected false")
	}
	t.Setenv("PINGTRIAGE_TEST_BOOL", "maybe")
	if !boolEnv("PINGTRIAGE_TEST_BOOL", true) {
		t.Fatalf("expected fallback true on invalid value")
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("PINGTRIAGE_TEST_INT_UNSET")
	_ = os.Unsetenv("PINGTRIAGE_TEST_DURATION_UNSET")

	if got := intEnv("PINGTRIAGE_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("PINGTRIAGE_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func clearStorageEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"PINGTRIAGE_STATE_BACKEND_DSN",
		"PINGTRIAGE_STATE_FILE",
		"PINGTRIAGE_BACKEND_PROFILE",
		"PINGTRIAGE_DATA_DIR",
		"PINGTRIAGE_POSTGRES_DSN",
	} {
		t.Setenv(name, "")
	}
}

func TestStateBackendDefaultsToHomeStateFile(t *testing.T) {
	clearStorageEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		t.Fatalf("build backend failed: %v", err)
	}
	want := filepath.Join(home, ".pings-triage", "state.json")
	if got := watchedStateFile(backend); got != want {
		t.Fatalf("expected default state file %s, got %q", want, got)
	}
}

func TestStateBackendPrecedence(t *testing.T) {
	clearStorageEnv(t)
	dir := t.TempDir()
	t.Setenv("PINGTRIAGE_BACKEND_PROFILE", "memory")
	t.Setenv("PINGTRIAGE_STATE_FILE", filepath.Join(dir, "file.json"))

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		t.Fatalf("build backend failed: %v", err)
	}
	if got := watchedStateFile(backend); got != filepath.Join(dir, "file.json") {
		t.Fatalf("expected state file to win over profile, got %q", got)
	}

	t.Setenv("PINGTRIAGE_STATE_BACKEND_DSN", "memory://")
	backend, err = buildStateBackendFromEnv()
	if err != nil {
		t.Fatalf("build backend failed: %v", err)
	}
	if _, ok := backend.(*pingtriage.InMemoryStateBackend); !ok {
		t.Fatalf("expected explicit dsn to win, got %T", backend)
	}
}

func TestStorageProfiles(t *testing.T) {
	clearStorageEnv(t)
	t.Setenv("PINGTRIAGE_DATA_DIR", "/var/lib/pingtriage")
	t.Setenv("PINGTRIAGE_BACKEND_PROFILE", "durable-local")
	dsn, err := storageProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("durable-local failed: %v", err)
	}
	if dsn != "file:///var/lib/pingtriage/state.json" {
		t.Fatalf("unexpected durable-local dsn %q", dsn)
	}

	t.Setenv("PINGTRIAGE_BACKEND_PROFILE", "production")
	if _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatalf("expected production profile without a postgres dsn to fail")
	}
	t.Setenv("PINGTRIAGE_POSTGRES_DSN", "postgres://localhost/pingtriage?sslmode=disable")
	dsn, err = storageProfileDefaultsFromEnv()
	if err != nil || dsn != "postgres://localhost/pingtriage?sslmode=disable" {
		t.Fatalf("unexpected production dsn %q (%v)", dsn, err)
	}

	t.Setenv("PINGTRIAGE_BACKEND_PROFILE", "cloud")
	if _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatalf("expected unsupported profile error")
	}
}

func TestLoadWorkflowConfigFromEnv(t *testing.T) {
	t.Setenv("PINGTRIAGE_CONFIG", "")
	cfg, err := loadWorkflowConfigFromEnv()
	if err != nil || cfg != nil {
		t.Fatalf("expected no config when unset, got %+v (%v)", cfg, err)
	}

	path := filepath.Join(t.TempDir(), "user-config.yaml")
	if err := os.WriteFile(path, []byte("linear:\n  team_id: TEAM-9\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PINGTRIAGE_CONFIG", path)
	cfg, err = loadWorkflowConfigFromEnv()
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Linear.TeamID != "TEAM-9" {
		t.Fatalf("expected team TEAM-9, got %q", cfg.Linear.TeamID)
	}

	t.Setenv("PINGTRIAGE_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	if _, err := loadWorkflowConfigFromEnv(); !errors.Is(err, workflow.ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Symbols) == 0 {
		t.Fatalf("expected default symbols")
	}
	if cfg.Backend.StartingCapital.IsZero() {
		t.Fatalf("expected non-zero default starting capital")
	}
	if cfg.API.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.API.Port)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	contents := []byte("symbols:\n  - AAA\n  - BBB\napi:\n  port: 9191\nbackend:\n  startingCapital: \"250000\"\n")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "AAA" {
		t.Fatalf("expected symbols overridden, got %v", cfg.Symbols)
	}
	if cfg.API.Port != 9191 {
		t.Fatalf("expected overridden port 9191, got %d", cfg.API.Port)
	}
	if cfg.Backend.StartingCapital.String() != "250000" {
		t.Fatalf("expected overridden starting capital 250000, got %s", cfg.Backend.StartingCapital.String())
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/engine.yaml"); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

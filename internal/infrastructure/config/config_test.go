package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAssistantDefaults(t *testing.T) {
	cfg, err := LoadAssistant(t.TempDir())
	if err != nil {
		t.Fatalf("LoadAssistant: %v", err)
	}

	if cfg.HMAC.RotationIntervalHours != 168 {
		t.Errorf("rotation interval = %dh, want weekly (168h)", cfg.HMAC.RotationIntervalHours)
	}
	if cfg.HMAC.ToleranceMS != 300000 {
		t.Errorf("tolerance = %d, want 300000", cfg.HMAC.ToleranceMS)
	}
	if cfg.Compaction.ContextSize != 50 || cfg.Compaction.BatchSize != 20 {
		t.Errorf("compaction defaults wrong: %+v", cfg.Compaction)
	}
	if cfg.Outbound.ContextMessages != 20 {
		t.Errorf("context_messages = %d, want 20", cfg.Outbound.ContextMessages)
	}
}

func TestLoadMeshDefaults(t *testing.T) {
	cfg, err := LoadMesh(t.TempDir())
	if err != nil {
		t.Fatalf("LoadMesh: %v", err)
	}

	out := cfg.Outbound
	if out.MaxPerHour != 60 {
		t.Errorf("max_per_hour = %d, want 60", out.MaxPerHour)
	}
	if out.EscalatedMaxPerHour != 120 {
		t.Errorf("escalated_max_per_hour = %d, want 120", out.EscalatedMaxPerHour)
	}
	if out.DMCooldownSeconds != 5 || out.GroupCooldownSeconds != 2 {
		t.Errorf("cooldown defaults wrong: %+v", out)
	}
}

func TestLoadMeshFileOverridesPacing(t *testing.T) {
	dir := t.TempDir()
	yaml := "outbound:\n  max_per_hour: 10\n  escalated_max_per_hour: 30\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadMesh(dir)
	if err != nil {
		t.Fatalf("LoadMesh: %v", err)
	}
	if cfg.Outbound.MaxPerHour != 10 || cfg.Outbound.EscalatedMaxPerHour != 30 {
		t.Errorf("file overrides not applied: %+v", cfg.Outbound)
	}
	if cfg.Outbound.DMCooldownSeconds != 5 {
		t.Errorf("unset keys should keep defaults, got %+v", cfg.Outbound)
	}
}

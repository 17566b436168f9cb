package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Detection.MinSamples != 100 {
		t.Fatalf("min_samples = %d", cfg.Detection.MinSamples)
	}
	if cfg.Detection.WindowSize != 1000 {
		t.Fatalf("window_size = %d", cfg.Detection.WindowSize)
	}
	if cfg.Detection.SevereZ != 3.0 || cfg.Detection.ModerateZ != 2.5 || cfg.Detection.NormalZ != 2.0 {
		t.Fatalf("thresholds = %+v", cfg.Detection)
	}
	if cfg.Storage.SampleRetention.Std() != 7*24*time.Hour {
		t.Fatalf("sample retention = %v", cfg.Storage.SampleRetention)
	}
	if cfg.Storage.EventRetention.Std() != 30*24*time.Hour {
		t.Fatalf("event retention = %v", cfg.Storage.EventRetention)
	}
	if cfg.Ingest.Workers != 4 || cfg.Ingest.QueueCapacity != 10000 {
		t.Fatalf("ingest = %+v", cfg.Ingest)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9999"
storage:
  path: /tmp/dw.db
  sample_retention: 48h
ingest:
  workers: 8
detection:
  min_samples: 50
  severe_consecutive: 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Storage.Path != "/tmp/dw.db" {
		t.Fatalf("path = %s", cfg.Storage.Path)
	}
	if cfg.Storage.SampleRetention.Std() != 48*time.Hour {
		t.Fatalf("retention = %v", cfg.Storage.SampleRetention)
	}
	if cfg.Ingest.Workers != 8 {
		t.Fatalf("workers = %d", cfg.Ingest.Workers)
	}
	if cfg.Detection.MinSamples != 50 {
		t.Fatalf("min_samples = %d", cfg.Detection.MinSamples)
	}
	if cfg.Detection.SevereConsecutive != 3 {
		t.Fatalf("severe_consecutive = %d", cfg.Detection.SevereConsecutive)
	}
	// untouched keys keep their defaults
	if cfg.Detection.WindowSize != 1000 {
		t.Fatalf("window_size = %d", cfg.Detection.WindowSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DRIFTWATCH_ADDR", ":7777")
	t.Setenv("DRIFTWATCH_DB_PATH", "/tmp/env.db")
	t.Setenv("DRIFTWATCH_WORKERS", "16")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Storage.Path != "/tmp/env.db" {
		t.Fatalf("path = %s", cfg.Storage.Path)
	}
	if cfg.Ingest.Workers != 16 {
		t.Fatalf("workers = %d", cfg.Ingest.Workers)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"window below min samples", "detection:\n  min_samples: 500\n  window_size: 100\n"},
		{"moderate count over window", "detection:\n  moderate_count: 30\n  moderate_window: 20\n"},
		{"inverted thresholds", "detection:\n  normal_zscore: 3.5\n"},
		{"queue below workers", "ingest:\n  workers: 8\n  queue_capacity: 4\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

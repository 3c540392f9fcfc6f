package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"formsight/internal/config"
)

func TestDefaultReturnsIndependentConfigs(t *testing.T) {
	first := config.Default()
	first.Queue.MaxRetries = 99
	second := config.Default()
	if second.Queue.MaxRetries == 99 {
		t.Fatal("Default must return a fresh config per call")
	}
}

func TestLoadDefaultsAndExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "formsight")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Paths.CacheDir != filepath.Join(tempHome, ".cache", "formsight") {
		t.Fatalf("unexpected cache dir: %q", cfg.Paths.CacheDir)
	}
	if cfg.Logging.Format != "console" {
		t.Fatalf("unexpected log format: %q", cfg.Logging.Format)
	}
	if cfg.Queue.MaxRetries != config.Default().Queue.MaxRetries {
		t.Fatalf("unexpected retry ceiling: %d", cfg.Queue.MaxRetries)
	}
	if !cfg.Processing.AdaptiveSampling {
		t.Fatal("expected adaptive sampling enabled by default")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Paths.CacheDir} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
	}
}

func TestLoadParsesExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
data_dir = "` + filepath.Join(dir, "data") + `"
log_dir = "` + filepath.Join(dir, "logs") + `"

[queue]
max_retries = 5
retry_base_seconds = 1
retry_max_seconds = 30

[processing]
chunk_size = 4
frame_pool_size = 6
max_frame_rate = 2.0
min_frame_rate = 0.25
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to be found")
	}
	if resolved != path {
		t.Fatalf("unexpected resolved path: %q", resolved)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Fatalf("unexpected max retries: %d", cfg.Queue.MaxRetries)
	}
	if cfg.Processing.ChunkSize != 4 {
		t.Fatalf("unexpected chunk size: %d", cfg.Processing.ChunkSize)
	}
	// Unset sections keep defaults.
	if cfg.Governor.BatteryFloorPercent != config.Default().Governor.BatteryFloorPercent {
		t.Fatalf("unexpected battery floor: %d", cfg.Governor.BatteryFloorPercent)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"bad format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad tier", func(c *config.Config) { c.Device.TierOverride = "ultra" }, "device.tier_override"},
		{"negative retries", func(c *config.Config) { c.Queue.MaxRetries = -1 }, "queue.max_retries"},
		{"backoff inversion", func(c *config.Config) { c.Queue.RetryMaxSeconds = 1 }, "retry_max_seconds"},
		{"zero chunk", func(c *config.Config) { c.Processing.ChunkSize = 0 }, "chunk_size"},
		{"bad quality", func(c *config.Config) { c.Processing.QualityThreshold = 1.5 }, "quality_threshold"},
		{"battery floor", func(c *config.Config) { c.Governor.BatteryFloorPercent = 150 }, "battery_floor_percent"},
		{"memory ratios", func(c *config.Config) { c.Governor.MemoryCriticalRatio = 0.5 }, "memory ratios"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[processing]") {
		t.Fatal("expected sample to contain processing section")
	}
}

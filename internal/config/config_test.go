package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"dpas/internal/config"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		config.EnvFile, config.EnvAPIBind, config.EnvMode, config.EnvModelPath,
		config.EnvWorkers, config.EnvLogLevel, config.EnvDataDir, config.EnvResultsDir,
	} {
		t.Setenv(key, "")
	}
	t.Chdir(t.TempDir())
	return home
}

func TestLoadDefaultsExpandPaths(t *testing.T) {
	home := isolate(t)

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
	if want := filepath.Join(home, ".local", "share", "dpas"); cfg.Paths.DataDir != want {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, want)
	}
	if cfg.Gateway.Mode != config.ModeAsync {
		t.Fatalf("expected async mode by default, got %q", cfg.Gateway.Mode)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("unexpected max attempts %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Detector.ConfidenceThreshold != 0.3 {
		t.Fatalf("unexpected confidence threshold %v", cfg.Detector.ConfidenceThreshold)
	}
	if cfg.Dataset.TrainRatio != 0.8 {
		t.Fatalf("unexpected train ratio %v", cfg.Dataset.TrainRatio)
	}
	if cfg.QueuePath() != filepath.Join(cfg.Paths.DataDir, "queue.db") {
		t.Fatalf("unexpected queue path %q", cfg.QueuePath())
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.ResultsDir = ""
	cfg.Gateway.Mode = "SYNC"
	cfg.Worker.Count = 5
	encoded, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(config.EnvWorkers, "7")
	t.Setenv(config.EnvAPIBind, "0.0.0.0:9000")

	loaded, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected config at %q, got %q exists=%v", path, resolved, exists)
	}
	if loaded.Gateway.Mode != config.ModeSync {
		t.Fatalf("expected normalized sync mode, got %q", loaded.Gateway.Mode)
	}
	if loaded.Worker.Count != 7 {
		t.Fatalf("expected env worker override, got %d", loaded.Worker.Count)
	}
	if loaded.Paths.APIBind != "0.0.0.0:9000" {
		t.Fatalf("expected env bind override, got %q", loaded.Paths.APIBind)
	}
	if want := filepath.Join(dir, "data", "results"); loaded.Paths.ResultsDir != want {
		t.Fatalf("expected results dir under data dir, got %q", loaded.Paths.ResultsDir)
	}
}

func TestLoadDotEnv(t *testing.T) {
	isolate(t)
	envPath := filepath.Join(t.TempDir(), "custom.env")
	if err := os.WriteFile(envPath, []byte("DPAS_MODE=sync\nDPAS_LOG_LEVEL=debug\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv(config.EnvFile, envPath)
	// godotenv does not override variables that are already set, even to empty.
	os.Unsetenv(config.EnvMode)
	os.Unsetenv(config.EnvLogLevel)

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Gateway.Mode != config.ModeSync || cfg.Logging.Level != "debug" {
		t.Fatalf("expected .env overrides, got mode=%q level=%q", cfg.Gateway.Mode, cfg.Logging.Level)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[queue]\nlease = 5\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected parse error for unknown key")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"mode", func(c *config.Config) { c.Gateway.Mode = "batch" }, "gateway.mode"},
		{"ratio", func(c *config.Config) { c.Dataset.TrainRatio = 1 }, "dataset.train_ratio"},
		{"threshold", func(c *config.Config) { c.Detector.ConfidenceThreshold = 1.5 }, "detector.confidence_threshold"},
		{"workers", func(c *config.Config) { c.Worker.Count = 0 }, "worker.count"},
		{"heartbeat", func(c *config.Config) { c.Queue.HeartbeatSeconds = c.Queue.LeaseSeconds }, "queue.heartbeat_seconds"},
		{"backend", func(c *config.Config) { c.Detector.Backend = "torch" }, "detector.backend"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}

	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateDetectorFiles(t *testing.T) {
	cfg := config.Default()
	if err := cfg.ValidateDetectorFiles(); err == nil {
		t.Fatal("expected error for gocv backend without model")
	}
	cfg.Detector.Backend = config.BackendStub
	if err := cfg.ValidateDetectorFiles(); err != nil {
		t.Fatalf("stub backend needs no model: %v", err)
	}
}

func TestCreateSampleLoads(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	if _, _, exists, err := config.Load(path); err != nil || !exists {
		t.Fatalf("expected sample to load, exists=%v err=%v", exists, err)
	}
}

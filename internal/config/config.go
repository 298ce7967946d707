package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	LogDir     string `toml:"log_dir"`
	ResultsDir string `toml:"results_dir"`
	APIBind    string `toml:"api_bind"`
}

// Gateway controls the ingress endpoint.
type Gateway struct {
	// Mode is "async" (enqueue and return 202) or "sync" (detect inline).
	Mode         string `toml:"mode"`
	MaxUploadMiB int    `toml:"max_upload_mib"`
	// SyncPersist stores sync-mode results in the result store as well as logging them.
	SyncPersist         bool `toml:"sync_persist"`
	ReadTimeoutSeconds  int  `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int  `toml:"write_timeout_seconds"`
	FeedPollMillis      int  `toml:"feed_poll_ms"`
}

// Queue contains dispatch queue tuning.
type Queue struct {
	LeaseSeconds     int `toml:"lease_seconds"`
	MaxAttempts      int `toml:"max_attempts"`
	PollIntervalMS   int `toml:"poll_interval_ms"`
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
}

// Worker contains worker pool settings.
type Worker struct {
	Count                   int `toml:"count"`
	InferenceTimeoutSeconds int `toml:"inference_timeout_seconds"`
	StoreWriteRetries       int `toml:"store_write_retries"`
}

// Detector selects and configures the detection capability.
type Detector struct {
	// Backend is "gocv" (OpenCV DNN) or "stub" (no detections, for wiring tests).
	Backend             string  `toml:"backend"`
	ModelPath           string  `toml:"model_path"`
	ConfigPath          string  `toml:"config_path"`
	LabelsPath          string  `toml:"labels_path"`
	ConfidenceThreshold float64 `toml:"confidence_threshold"`
	NMSThreshold        float64 `toml:"nms_threshold"`
	InputSize           int     `toml:"input_size"`
}

// Dataset contains converter settings.
type Dataset struct {
	TrainRatio  float64 `toml:"train_ratio"`
	CopyWorkers int     `toml:"copy_workers"`
}

// Ingest contains uploader and video sampler settings.
type Ingest struct {
	Endpoint       string `toml:"endpoint"`
	Stride         int    `toml:"stride"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	// File is the log file name under paths.log_dir. Empty disables file output.
	File string `toml:"file"`
}

// Config encapsulates all configuration values for DPAS.
//
// Configuration sections by subsystem:
//   - Paths: data, log, and result directories plus the API bind address
//   - Gateway: ingress mode and upload limits
//   - Queue: lease window, attempt budget, and polling
//   - Worker: pool size and per-job budgets
//   - Detector: detection backend and model files
//   - Dataset: split ratio and copy parallelism
//   - Ingest: bulk upload and video sampling defaults
//   - Logging: log format, level, and file
type Config struct {
	Paths    Paths    `toml:"paths"`
	Gateway  Gateway  `toml:"gateway"`
	Queue    Queue    `toml:"queue"`
	Worker   Worker   `toml:"worker"`
	Detector Detector `toml:"detector"`
	Dataset  Dataset  `toml:"dataset"`
	Ingest   Ingest   `toml:"ingest"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and environment overrides applied.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("dpas.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the gateway and workers write to.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.ResultsDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// QueuePath returns the SQLite database backing the dispatch queue.
func (c *Config) QueuePath() string {
	return filepath.Join(c.Paths.DataDir, "queue.db")
}

// LockPath returns the lock file that keeps a single gateway per data directory.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "dpas.lock")
}

// MaxUploadBytes converts gateway.max_upload_mib to bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Gateway.MaxUploadMiB) << 20
}

// LeaseDuration returns the queue visibility window.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Queue.LeaseSeconds) * time.Second
}

// PollInterval returns the idle wait between empty dequeues.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMS) * time.Millisecond
}

// HeartbeatInterval returns how often in-flight leases are extended.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Queue.HeartbeatSeconds) * time.Second
}

// InferenceTimeout returns the per-job detection budget.
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Worker.InferenceTimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

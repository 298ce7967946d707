package config

import (
	"errors"
	"fmt"
	"sort"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateGateway(); err != nil {
		return err
	}
	if err := c.validateTimings(); err != nil {
		return err
	}
	if err := c.validateDetector(); err != nil {
		return err
	}
	if err := c.validateDataset(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateGateway() error {
	switch c.Gateway.Mode {
	case ModeAsync, ModeSync:
	default:
		return fmt.Errorf("gateway.mode must be %q or %q, got %q", ModeAsync, ModeSync, c.Gateway.Mode)
	}
	if c.Gateway.MaxUploadMiB <= 0 {
		return errors.New("gateway.max_upload_mib must be positive")
	}
	return nil
}

func (c *Config) validateTimings() error {
	if err := ensurePositiveMap(map[string]int{
		"gateway.read_timeout_seconds":     c.Gateway.ReadTimeoutSeconds,
		"gateway.write_timeout_seconds":    c.Gateway.WriteTimeoutSeconds,
		"gateway.feed_poll_ms":             c.Gateway.FeedPollMillis,
		"queue.lease_seconds":              c.Queue.LeaseSeconds,
		"queue.max_attempts":               c.Queue.MaxAttempts,
		"queue.poll_interval_ms":           c.Queue.PollIntervalMS,
		"queue.heartbeat_seconds":          c.Queue.HeartbeatSeconds,
		"worker.count":                     c.Worker.Count,
		"worker.inference_timeout_seconds": c.Worker.InferenceTimeoutSeconds,
		"ingest.stride":                    c.Ingest.Stride,
		"ingest.timeout_seconds":           c.Ingest.TimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Worker.StoreWriteRetries < 0 {
		return errors.New("worker.store_write_retries must be >= 0")
	}
	if c.Queue.HeartbeatSeconds >= c.Queue.LeaseSeconds {
		return errors.New("queue.heartbeat_seconds must be less than queue.lease_seconds")
	}
	return nil
}

func (c *Config) validateDetector() error {
	switch c.Detector.Backend {
	case BackendGoCV, BackendStub:
	default:
		return fmt.Errorf("detector.backend must be %q or %q, got %q", BackendGoCV, BackendStub, c.Detector.Backend)
	}
	if c.Detector.ConfidenceThreshold < 0 || c.Detector.ConfidenceThreshold > 1 {
		return errors.New("detector.confidence_threshold must be between 0 and 1")
	}
	if c.Detector.NMSThreshold < 0 || c.Detector.NMSThreshold > 1 {
		return errors.New("detector.nms_threshold must be between 0 and 1")
	}
	if c.Detector.InputSize <= 0 {
		return errors.New("detector.input_size must be positive")
	}
	return nil
}

func (c *Config) validateDataset() error {
	if c.Dataset.TrainRatio <= 0 || c.Dataset.TrainRatio >= 1 {
		return errors.New("dataset.train_ratio must be between 0 and 1 (exclusive)")
	}
	if c.Dataset.CopyWorkers <= 0 {
		return errors.New("dataset.copy_workers must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}

// ValidateDetectorFiles checks that a gocv backend has a model to load. It is
// separate from Validate so that commands that never run detection (convert,
// export, queue) work without a model.
func (c *Config) ValidateDetectorFiles() error {
	if c.Detector.Backend == BackendGoCV && c.Detector.ModelPath == "" {
		return errors.New("detector.model_path must be set when detector.backend is gocv (or set DPAS_MODEL_PATH)")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

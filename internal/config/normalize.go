package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeDetector(); err != nil {
		return err
	}
	c.Gateway.Mode = strings.ToLower(strings.TrimSpace(c.Gateway.Mode))
	if c.Gateway.Mode == "" {
		c.Gateway.Mode = defaultGatewayMode
	}
	c.Ingest.Endpoint = strings.TrimSpace(c.Ingest.Endpoint)
	if c.Ingest.Endpoint == "" {
		c.Ingest.Endpoint = defaultIngestEndpoint
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ResultsDir) == "" {
		c.Paths.ResultsDir = filepath.Join(c.Paths.DataDir, "results")
	}
	if c.Paths.ResultsDir, err = expandPath(c.Paths.ResultsDir); err != nil {
		return fmt.Errorf("paths.results_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeDetector() error {
	var err error
	c.Detector.Backend = strings.ToLower(strings.TrimSpace(c.Detector.Backend))
	if c.Detector.Backend == "" {
		c.Detector.Backend = defaultDetectorBackend
	}
	if c.Detector.ModelPath, err = expandPath(strings.TrimSpace(c.Detector.ModelPath)); err != nil {
		return fmt.Errorf("detector.model_path: %w", err)
	}
	if c.Detector.ConfigPath, err = expandPath(strings.TrimSpace(c.Detector.ConfigPath)); err != nil {
		return fmt.Errorf("detector.config_path: %w", err)
	}
	if c.Detector.LabelsPath, err = expandPath(strings.TrimSpace(c.Detector.LabelsPath)); err != nil {
		return fmt.Errorf("detector.labels_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.File = strings.TrimSpace(c.Logging.File)
}

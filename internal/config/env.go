package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvFile        = "DPAS_ENV_FILE"
	EnvAPIBind     = "DPAS_API_BIND"
	EnvMode        = "DPAS_MODE"
	EnvModelPath   = "DPAS_MODEL_PATH"
	EnvWorkers     = "DPAS_WORKERS"
	EnvLogLevel    = "DPAS_LOG_LEVEL"
	EnvDataDir     = "DPAS_DATA_DIR"
	EnvResultsDir  = "DPAS_RESULTS_DIR"
	defaultEnvFile = ".env"
)

// loadDotEnv reads KEY=VALUE pairs into the process environment. Variables
// already set in the environment win over the file.
func loadDotEnv() error {
	path := strings.TrimSpace(os.Getenv(EnvFile))
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if value, ok := lookupEnv(EnvAPIBind); ok {
		c.Paths.APIBind = value
	}
	if value, ok := lookupEnv(EnvDataDir); ok {
		c.Paths.DataDir = value
	}
	if value, ok := lookupEnv(EnvResultsDir); ok {
		c.Paths.ResultsDir = value
	}
	if value, ok := lookupEnv(EnvMode); ok {
		c.Gateway.Mode = value
	}
	if value, ok := lookupEnv(EnvModelPath); ok {
		c.Detector.ModelPath = value
	}
	if value, ok := lookupEnv(EnvLogLevel); ok {
		c.Logging.Level = value
	}
	if value, ok := lookupEnv(EnvWorkers); ok {
		count, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		c.Worker.Count = count
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

package testsupport

import (
	"path/filepath"
	"testing"

	"dpas/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The detector defaults to the stub backend and logging writes no file.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.ResultsDir = filepath.Join(base, "results")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Detector.Backend = config.BackendStub
	cfgVal.Logging.File = ""
	cfgVal.Queue.PollIntervalMS = 10

	builder := &configBuilder{t: t, baseDir: base, cfg: &cfgVal}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithMode sets the gateway mode.
func WithMode(mode string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Gateway.Mode = mode
	}
}

// WithQueue overrides the lease window and attempt budget.
func WithQueue(leaseSeconds, maxAttempts int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.LeaseSeconds = leaseSeconds
		b.cfg.Queue.MaxAttempts = maxAttempts
		if b.cfg.Queue.HeartbeatSeconds >= leaseSeconds {
			b.cfg.Queue.HeartbeatSeconds = max(1, leaseSeconds/2)
		}
	}
}

// WithWorkers sets the pool size.
func WithWorkers(count int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Worker.Count = count
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}

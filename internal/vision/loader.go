package vision

import (
	"context"
	"fmt"

	"dpas/internal/config"
	"dpas/internal/detection"
	"dpas/internal/services"
)

// NewLoader returns the Loader for the configured backend. Each call of the
// returned Loader opens an independent capability.
func NewLoader(cfg *config.Config) (detection.Loader, error) {
	switch cfg.Detector.Backend {
	case config.BackendStub:
		return detection.StaticLoader(), nil
	case config.BackendGoCV:
		if err := cfg.ValidateDetectorFiles(); err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "vision", "loader", "detector is not configured", err)
		}
		detector := cfg.Detector
		return func(ctx context.Context) (detection.Capability, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return Open(detector)
		}, nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "vision", "loader", fmt.Sprintf("unknown detector backend %q", cfg.Detector.Backend), nil)
	}
}

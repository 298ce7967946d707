package detection

import (
	"context"
	"sync/atomic"
)

// Static is a Capability that returns the same detections for every image.
// It backs the "stub" detector and wiring tests.
type Static struct {
	Detections []Detection
	calls      atomic.Int64
	closed     atomic.Bool
}

// Detect returns a copy of the configured detections.
func (s *Static) Detect(ctx context.Context, _ Image) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.calls.Add(1)
	out := make([]Detection, len(s.Detections))
	copy(out, s.Detections)
	return out, nil
}

// Calls reports how many times Detect ran.
func (s *Static) Calls() int64 { return s.calls.Load() }

// Closed reports whether Close was called.
func (s *Static) Closed() bool { return s.closed.Load() }

func (s *Static) Close() error {
	s.closed.Store(true)
	return nil
}

// StaticLoader returns a Loader producing a fresh Static per call.
func StaticLoader(dets ...Detection) Loader {
	return func(context.Context) (Capability, error) {
		return &Static{Detections: dets}, nil
	}
}

package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"dpas/internal/logging"
	"dpas/internal/services"
)

// FrameSource yields decoded frames in order.
type FrameSource interface {
	// Next advances to the next frame and reports whether one was read.
	Next() bool
	// Encode returns the current frame as JPEG bytes.
	Encode() ([]byte, error)
	// Err reports a read failure that ended the stream early.
	Err() error
}

// SampleFrames submits every stride-th frame from src, starting with the
// first. Frames that fail to encode or submit are counted and skipped.
func SampleFrames(ctx context.Context, sub Submitter, src FrameSource, name string, stride int, logger *slog.Logger) (Report, error) {
	var report Report
	if stride < 1 {
		return report, services.Wrap(services.ErrValidation, "ingest", "sample frames", fmt.Sprintf("stride %d must be at least 1", stride), nil)
	}
	logger = logging.NewComponentLogger(logger, "ingest").With(logging.String("source", name))

	for index := 0; src.Next(); index++ {
		report.Considered++
		if index%stride != 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Selected++
		item := fmt.Sprintf("%s#%06d.jpg", name, index)
		data, err := src.Encode()
		if err != nil {
			report.fail(logger, item, err)
			continue
		}
		if err := sub.Submit(ctx, item, data); err != nil {
			report.fail(logger, item, err)
			continue
		}
		report.Submitted++
	}
	if err := src.Err(); err != nil {
		return report, fmt.Errorf("read frames: %w", err)
	}

	logger.Info("frame sampling complete",
		logging.Int("frames", report.Considered),
		logging.Int("submitted", report.Submitted),
		logging.Int("failed", report.Failed),
	)
	return report, nil
}

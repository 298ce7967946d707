package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dpas/internal/logging"
	"dpas/internal/queue"
)

// heartbeat extends the job's lease until ctx is done or the lease is lost.
func (w *Worker) heartbeat(ctx context.Context, wg *sync.WaitGroup, jobID string, logger *slog.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(w.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline, err := w.queue.Extend(ctx, jobID, w.name)
			switch {
			case err == nil:
				logger.Debug("lease extended", logging.String("lease_expires_at", deadline.Format(time.RFC3339)))
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return
			case errors.Is(err, queue.ErrLeaseLost):
				logging.WarnWithContext(logger, "lease lost during processing; job may be redelivered", "heartbeat_lease_lost",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "raise queue.lease_seconds"),
				)
				return
			default:
				logging.WarnWithContext(logger, "heartbeat update failed", "heartbeat_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check queue database access"),
				)
			}
		}
	}
}

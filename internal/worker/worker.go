package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dpas/internal/detection"
	"dpas/internal/logging"
	"dpas/internal/queue"
	"dpas/internal/services"
)

// Stats counts job outcomes for one worker.
type Stats struct {
	Completed  int64
	Duplicates int64
	Failed     int64
}

// Worker processes jobs one at a time with a single capability.
type Worker struct {
	name       string
	capability detection.Capability
	loader     detection.Loader
	queue      Queue
	store      Store
	settings   Settings
	logger     *slog.Logger

	completed  atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

// New constructs a worker that owns capability for its whole lifetime.
func New(name string, capability detection.Capability, q Queue, store Store, settings Settings, logger *slog.Logger) *Worker {
	return &Worker{
		name:       name,
		capability: capability,
		queue:      q,
		store:      store,
		settings:   settings.withDefaults(),
		logger:     logging.NewComponentLogger(logger, "worker").With(logging.String(logging.FieldWorker, name)),
	}
}

// Name returns the consumer name used for leases.
func (w *Worker) Name() string { return w.name }

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Completed:  w.completed.Load(),
		Duplicates: w.duplicates.Load(),
		Failed:     w.failed.Load(),
	}
}

// Close releases the capability. A capability retired after a timed out call
// closes itself once that call returns.
func (w *Worker) Close() error {
	if w.capability == nil {
		return nil
	}
	return w.capability.Close()
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, services.ErrCapability) {
				logging.ErrorWithContext(w.logger, "no capability available", "capability_unavailable",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check detector model files"),
				)
				w.sleep(ctx, w.settings.ErrorBackoff)
				continue
			}
			logging.ErrorWithContext(w.logger, "failed to fetch next job", "queue_fetch_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
			w.sleep(ctx, w.settings.ErrorBackoff)
			continue
		}
		if !processed {
			w.sleep(ctx, w.settings.PollInterval)
		}
	}
}

// ProcessNext claims and handles at most one job. It reports whether a job
// was claimed. Per-job failures are recorded on the job and never returned;
// the error is reserved for failures to reach the queue or to load a
// replacement capability.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if err := w.ensureCapability(ctx); err != nil {
		return false, err
	}
	job, err := w.queue.Dequeue(ctx, w.name)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	jobCtx := services.WithWorker(services.WithJobID(ctx, job.ID), w.name)
	logger := logging.WithContext(jobCtx, w.logger)
	start := time.Now()

	rec, err := w.execute(jobCtx, job, logger)

	// Queue bookkeeping outlives shutdown so the job's outcome is recorded.
	settle := context.WithoutCancel(jobCtx)
	if err != nil {
		w.failJob(settle, logger, job, err)
		return
	}
	if err := w.queue.Ack(settle, job.ID); err != nil {
		logging.ErrorWithContext(logger, "ack failed; job will be redelivered", "job_ack_failed",
			logging.Error(err),
			logging.String(logging.FieldRecordID, rec.RecordID),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
		return
	}
	w.completed.Add(1)
	logger.Info("job completed",
		logging.String(logging.FieldRecordID, rec.RecordID),
		logging.Int("detections", len(rec.Detections)),
		logging.Int("attempt", job.Attempts),
		logging.Duration("elapsed", time.Since(start)),
	)
}

// execute runs decode, detect, and persist. The returned record is the one
// held by the store, which for a redelivered job is the earlier record.
func (w *Worker) execute(ctx context.Context, job *queue.Job, logger *slog.Logger) (detection.Record, error) {
	img, err := detection.Decode(job.Payload)
	if err != nil {
		return detection.Record{}, err
	}
	raw, err := w.detect(ctx, job.ID, img, logger)
	if err != nil {
		return detection.Record{}, err
	}
	dets := detection.Sanitize(raw, img.Width, img.Height, w.settings.MinConfidence)
	rec := detection.NewRecord(job.ID, w.settings.Now(), img, dets)
	return w.persist(ctx, rec, img)
}

// detect runs the capability with the lease kept alive by a heartbeat. The
// heartbeat never outlives the inference deadline, so a call that hangs past
// it lets the lease expire.
func (w *Worker) detect(ctx context.Context, jobID string, img detection.Image, logger *slog.Logger) ([]detection.Detection, error) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	if w.settings.InferenceTimeout > 0 {
		hbCtx, stopHeartbeat = context.WithTimeout(ctx, w.settings.InferenceTimeout)
	}
	var hb sync.WaitGroup
	if w.settings.HeartbeatInterval > 0 {
		hb.Add(1)
		go w.heartbeat(hbCtx, &hb, jobID, logger)
	}
	raw, err := detection.Invoke(ctx, w.capability, img, w.settings.InferenceTimeout)
	stopHeartbeat()
	hb.Wait()
	if done, ok := detection.Abandoned(err); ok {
		w.retire(done, logger)
	}
	return raw, err
}

// retire drops the current capability while a call abandoned by Invoke is
// still running on it, and closes it once that call returns.
func (w *Worker) retire(done <-chan struct{}, logger *slog.Logger) {
	retired := w.capability
	w.capability = nil
	logging.WarnWithContext(logger, "capability retired after abandoned inference", "capability_retired",
		logging.String(logging.FieldErrorHint, "raise worker.inference_timeout_seconds or check the detector model"),
	)
	go func() {
		<-done
		if err := retired.Close(); err != nil {
			logger.Warn("failed to close retired capability", logging.Error(err))
		}
	}()
}

// ensureCapability loads a replacement once a capability has been retired.
func (w *Worker) ensureCapability(ctx context.Context) error {
	if w.capability != nil {
		return nil
	}
	if w.loader == nil {
		return services.Wrap(services.ErrCapability, "worker", "reload capability", "no capability loaded", nil)
	}
	capability, err := w.loader(ctx)
	if err != nil {
		return services.Wrap(services.ErrCapability, "worker", "reload capability", w.name, err)
	}
	w.capability = capability
	w.logger.Info("capability reloaded")
	return nil
}

// persist appends rec, retrying write failures. A duplicate means an earlier
// delivery already stored the record and counts as success.
func (w *Worker) persist(ctx context.Context, rec detection.Record, img detection.Image) (detection.Record, error) {
	logger := logging.WithContext(ctx, w.logger)
	var lastErr error
	for attempt := 0; attempt <= w.settings.StoreWriteRetries; attempt++ {
		if attempt > 0 {
			if !w.sleep(ctx, time.Duration(attempt)*100*time.Millisecond) {
				break
			}
		}
		stored, err := w.store.Append(ctx, rec, img.Data, img.Extension())
		if err == nil {
			return stored, nil
		}
		if errors.Is(err, services.ErrDuplicate) {
			w.duplicates.Add(1)
			logger.Info("record already stored for job",
				logging.String(logging.FieldRecordID, stored.RecordID),
			)
			return stored, nil
		}
		lastErr = err
		logging.WarnWithContext(logger, "result store write failed", "store_write_failed",
			logging.Error(err),
			logging.Int("attempt", attempt+1),
			logging.String(logging.FieldErrorHint, "check free space and permissions on results_dir"),
		)
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return detection.Record{}, services.Wrap(services.ErrStoreWrite, "worker", "persist", "record "+rec.RecordID, lastErr)
}

func (w *Worker) failJob(ctx context.Context, logger *slog.Logger, job *queue.Job, cause error) {
	w.failed.Add(1)
	status, err := w.queue.Fail(ctx, job.ID, w.name, cause, services.Retryable(cause))
	attrs := append(logging.FailureAttrs(cause),
		logging.Error(cause),
		logging.Int("attempt", job.Attempts),
		logging.Int("max_attempts", job.MaxAttempts),
	)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			logging.WarnWithContext(logger, "job failed after lease was lost", "job_lease_lost",
				append(attrs, logging.String(logging.FieldErrorHint, "raise queue.lease_seconds or worker.inference_timeout_seconds"))...)
			return
		}
		logging.ErrorWithContext(logger, "failed to record job failure", "job_fail_unrecorded",
			append(attrs, logging.String("fail_error", err.Error()))...)
		return
	}
	attrs = append(attrs, logging.String("resolved_status", string(status)))
	if status == queue.StatusDead {
		logging.ErrorWithContext(logger, "job dead-lettered", "job_dead_lettered",
			append(attrs, logging.String(logging.FieldErrorHint, "inspect with 'dpas queue list --status dead'"))...)
		return
	}
	logging.WarnWithContext(logger, "job failed; will retry", "job_retry", attrs...)
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

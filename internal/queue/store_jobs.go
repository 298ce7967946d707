package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dpas/internal/services"
)

// Enqueue durably inserts a pending job and returns its identifier. It returns
// only after the insert has committed.
func (s *Store) Enqueue(ctx context.Context, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", services.Wrap(services.ErrValidation, "queue", "enqueue", "empty payload", nil)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", services.Wrap(services.ErrQueueUnavailable, "queue", "enqueue", "allocate job id", err)
	}
	now := toMillis(s.now())
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO jobs (id, status, payload, payload_size, submitted_at, updated_at, attempts, max_attempts)
         VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		id.String(), StatusPending, payload, len(payload), now, now, s.max,
	); err != nil {
		return "", services.Wrap(services.ErrQueueUnavailable, "queue", "enqueue", "insert job", err)
	}
	return id.String(), nil
}

// Dequeue claims the oldest visible job for consumer. Expired leases are
// returned to pending first, or dead-lettered when their attempt budget is
// spent. It returns nil, nil when no job is available.
func (s *Store) Dequeue(ctx context.Context, consumer string) (*Job, error) {
	if consumer == "" {
		return nil, errors.New("dequeue: consumer is required")
	}
	var claimed *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		now := s.now()
		if err := expireLeases(ctx, tx, toMillis(now)); err != nil {
			return err
		}

		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE status = ? ORDER BY submitted_at, rowid LIMIT 1`,
			StatusPending,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select pending job: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
             SET status = ?, consumer = ?, attempts = attempts + 1, lease_expires_at = ?, updated_at = ?
             WHERE id = ? AND status = ?`,
			StatusLeased, consumer, toMillis(now.Add(s.lease)), toMillis(now), id, StatusPending,
		)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if err != nil {
			return fmt.Errorf("load claimed job: %w", err)
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, services.Wrap(services.ErrQueueUnavailable, "queue", "dequeue", "claim job", err)
	}
	return claimed, nil
}

func expireLeases(ctx context.Context, tx *sql.Tx, nowMS int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs
         SET status = ?, consumer = NULL, lease_expires_at = NULL, updated_at = ?,
             last_error = COALESCE(last_error, 'lease expired')
         WHERE status = ? AND lease_expires_at <= ? AND attempts >= max_attempts`,
		StatusDead, nowMS, StatusLeased, nowMS,
	); err != nil {
		return fmt.Errorf("dead-letter expired leases: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs
         SET status = ?, consumer = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE status = ? AND lease_expires_at <= ?`,
		StatusPending, nowMS, StatusLeased, nowMS,
	); err != nil {
		return fmt.Errorf("reclaim expired leases: %w", err)
	}
	return nil
}

// Ack marks a job completed and drops its payload. Acking a job that is
// already done is a no-op, so a redelivered duplicate can be acknowledged
// after its record was found in the result store.
func (s *Store) Ack(ctx context.Context, id string) error {
	now := toMillis(s.now())
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs
         SET status = ?, payload = NULL, consumer = NULL, lease_expires_at = NULL,
             completed_at = ?, updated_at = ?, last_error = NULL
         WHERE id = ? AND status != ?`,
		StatusDone, now, now, id, StatusDone,
	)
	if err != nil {
		return services.Wrap(services.ErrQueueUnavailable, "queue", "ack", "mark done", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return services.Wrap(services.ErrNotFound, "queue", "ack", "job "+id, nil)
	}
	return nil
}

// Fail releases consumer's lease after a processing error. The job returns to
// pending when retry is true and attempts remain; otherwise it is
// dead-lettered. The resulting status is returned.
func (s *Store) Fail(ctx context.Context, id, consumer string, cause error, retry bool) (Status, error) {
	message := "unknown failure"
	if cause != nil {
		message = cause.Error()
	}
	retryFlag := 0
	if retry {
		retryFlag = 1
	}
	now := toMillis(s.now())
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs
         SET status = CASE WHEN ? = 1 AND attempts < max_attempts THEN ? ELSE ? END,
             consumer = NULL, lease_expires_at = NULL, last_error = ?, updated_at = ?
         WHERE id = ? AND status = ? AND consumer = ?`,
		retryFlag, StatusPending, StatusDead, message, now, id, StatusLeased, consumer,
	)
	if err != nil {
		return "", services.Wrap(services.ErrQueueUnavailable, "queue", "fail", "release lease", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("fail job %s: %w", id, ErrLeaseLost)
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", services.Wrap(services.ErrNotFound, "queue", "fail", "job "+id, nil)
	}
	return job.Status, nil
}

// Extend pushes consumer's lease deadline forward by the configured window.
func (s *Store) Extend(ctx context.Context, id, consumer string) (time.Time, error) {
	now := s.now()
	deadline := now.Add(s.lease)
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET lease_expires_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND consumer = ? AND lease_expires_at > ?`,
		toMillis(deadline), toMillis(now), id, StatusLeased, consumer, toMillis(now),
	)
	if err != nil {
		return time.Time{}, services.Wrap(services.ErrQueueUnavailable, "queue", "extend", "extend lease", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return time.Time{}, fmt.Errorf("extend job %s: %w", id, ErrLeaseLost)
	}
	return deadline.UTC().Truncate(time.Millisecond), nil
}

// Get returns a job by id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

package queue

import (
	"database/sql"
	"strings"
	"time"
)

const jobColumns = "id, status, payload, payload_size, submitted_at, updated_at, attempts, max_attempts, consumer, lease_expires_at, last_error, completed_at"

// jobSummaryColumns omits the payload for listings.
const jobSummaryColumns = "id, status, NULL, payload_size, submitted_at, updated_at, attempts, max_attempts, consumer, lease_expires_at, last_error, completed_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job         Job
		status      string
		consumer    sql.NullString
		leaseExpiry sql.NullInt64
		lastError   sql.NullString
		completedAt sql.NullInt64
		submittedAt int64
		updatedAt   int64
	)
	if err := scanner.Scan(
		&job.ID,
		&status,
		&job.Payload,
		&job.PayloadSize,
		&submittedAt,
		&updatedAt,
		&job.Attempts,
		&job.MaxAttempts,
		&consumer,
		&leaseExpiry,
		&lastError,
		&completedAt,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.SubmittedAt = fromMillis(submittedAt)
	job.UpdatedAt = fromMillis(updatedAt)
	job.Consumer = consumer.String
	job.LastError = lastError.String
	if leaseExpiry.Valid {
		job.LeaseExpiresAt = fromMillis(leaseExpiry.Int64)
	}
	if completedAt.Valid {
		job.CompletedAt = fromMillis(completedAt.Int64)
	}
	return &job, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func makePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(statuses []Status) []any {
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}
	return args
}

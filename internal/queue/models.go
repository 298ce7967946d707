package queue

import (
	"errors"
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusPending Status = "pending"
	StatusLeased  Status = "leased"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

var allStatuses = []Status{StatusPending, StatusLeased, StatusDone, StatusDead}

// AllStatuses returns every job status in lifecycle order.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts user input into a Status.
func ParseStatus(value string) (Status, bool) {
	candidate := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == candidate {
			return status, true
		}
	}
	return "", false
}

// ErrLeaseLost is returned when a consumer reports on a job it no longer holds.
var ErrLeaseLost = errors.New("lease no longer held")

// Job is one unit of detection work.
type Job struct {
	ID             string
	Status         Status
	Payload        []byte
	PayloadSize    int64
	SubmittedAt    time.Time
	UpdatedAt      time.Time
	Attempts       int
	MaxAttempts    int
	Consumer       string
	LeaseExpiresAt time.Time
	LastError      string
	CompletedAt    time.Time
}

// AttemptsRemaining reports how many more deliveries the job may receive.
func (j *Job) AttemptsRemaining() int {
	if j == nil {
		return 0
	}
	if remaining := j.MaxAttempts - j.Attempts; remaining > 0 {
		return remaining
	}
	return 0
}

// Options tunes lease and retry behaviour.
type Options struct {
	LeaseDuration time.Duration
	MaxAttempts   int
	// Clock overrides time.Now, mainly for lease expiry tests.
	Clock func() time.Time
}

// Summary aggregates job counts for status output.
type Summary struct {
	Pending int
	Leased  int
	Done    int
	Dead    int
	Total   int
}

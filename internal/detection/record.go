package detection

import (
	"fmt"
	"strings"
	"time"
)

// RecordPrefix starts every record identifier.
const RecordPrefix = "received_image-"

const recordTimeLayout = "20060102T150405.000000000Z"

// NewRecordID derives a record identifier from the completion time and the
// job id. The timestamp sorts records chronologically; the job id keeps two
// records completed in the same instant apart.
func NewRecordID(completedAt time.Time, jobID string) string {
	return RecordPrefix + completedAt.UTC().Format(recordTimeLayout) + "-" + sanitizeID(jobID)
}

// RecordIDFloor returns a key that sorts before every record completed at or
// after t.
func RecordIDFloor(t time.Time) string {
	return RecordPrefix + t.UTC().Format(recordTimeLayout)
}

// ParseRecordID splits an identifier produced by NewRecordID.
func ParseRecordID(id string) (time.Time, string, error) {
	rest, ok := strings.CutPrefix(id, RecordPrefix)
	if !ok || len(rest) < len(recordTimeLayout)+2 {
		return time.Time{}, "", fmt.Errorf("record id %q: unexpected format", id)
	}
	stamp, jobID := rest[:len(recordTimeLayout)], rest[len(recordTimeLayout):]
	if !strings.HasPrefix(jobID, "-") || len(jobID) < 2 {
		return time.Time{}, "", fmt.Errorf("record id %q: missing job id", id)
	}
	completed, err := time.Parse(recordTimeLayout, stamp)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("record id %q: %w", id, err)
	}
	return completed, jobID[1:], nil
}

// NewRecord builds the record for a processed job.
func NewRecord(jobID string, completedAt time.Time, img Image, dets []Detection) Record {
	if dets == nil {
		dets = []Detection{}
	}
	return Record{
		RecordID:    NewRecordID(completedAt, jobID),
		JobID:       jobID,
		CompletedAt: completedAt.UTC(),
		ImageFormat: img.Format,
		Width:       img.Width,
		Height:      img.Height,
		Detections:  dets,
	}
}

// sanitizeID keeps identifiers safe to use as file names.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

package results_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dpas/internal/detection"
	"dpas/internal/results"
	"dpas/internal/services"
	"dpas/internal/testsupport"
)

func newRecord(jobID string, at time.Time) detection.Record {
	img := detection.Image{Format: "jpeg", Width: 100, Height: 50}
	return detection.NewRecord(jobID, at, img, []detection.Detection{
		{TagName: "person", Confidence: 0.8, XMin: 10, YMin: 5, XMax: 50, YMax: 45},
	})
}

func TestAppendAndGet(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenResults(t, cfg)
	ctx := context.Background()

	rec := newRecord("job-1", time.Now())
	stored, err := store.Append(ctx, rec, []byte("jpeg"), ".jpg")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if stored.RecordID != rec.RecordID {
		t.Fatalf("unexpected stored record %+v", stored)
	}

	got, err := store.Get(rec.RecordID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.JobID != "job-1" || len(got.Detections) != 1 || got.Detections[0].TagName != "person" {
		t.Fatalf("unexpected record %+v", got)
	}
	byJob, err := store.GetByJob("job-1")
	if err != nil || byJob.RecordID != rec.RecordID {
		t.Fatalf("GetByJob: %+v %v", byJob, err)
	}

	imagePath, err := store.ImagePath(rec.RecordID)
	if err != nil {
		t.Fatalf("ImagePath failed: %v", err)
	}
	if data, _ := os.ReadFile(imagePath); string(data) != "jpeg" {
		t.Fatalf("unexpected image bytes %q", data)
	}
}

func TestAppendSameJobTwiceIsDuplicate(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenResults(t, cfg)
	ctx := context.Background()

	first := newRecord("job-dup", time.Now())
	if _, err := store.Append(ctx, first, []byte("a"), ".jpg"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	// A redelivery completes later and derives a different record id.
	second := newRecord("job-dup", time.Now().Add(time.Second))
	existing, err := store.Append(ctx, second, []byte("b"), ".jpg")
	if !errors.Is(err, services.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if existing.RecordID != first.RecordID {
		t.Fatalf("expected original record, got %s", existing.RecordID)
	}

	ids, err := store.List(detection.RecordPrefix)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != first.RecordID {
		t.Fatalf("expected single record, got %v", ids)
	}
	if _, err := store.ImagePath(second.RecordID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("duplicate should not leave an image behind, got %v", err)
	}
}

func TestAppendRepairsMissingRecordLink(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenResults(t, cfg)
	ctx := context.Background()

	rec := newRecord("job-crash", time.Now())
	if _, err := store.Append(ctx, rec, nil, ""); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	// Simulate a crash between the job link and the record link.
	if err := os.Remove(filepath.Join(store.Root(), "records", rec.RecordID+".json")); err != nil {
		t.Fatalf("remove record link: %v", err)
	}
	if _, err := store.Append(ctx, newRecord("job-crash", time.Now()), nil, ""); !errors.Is(err, services.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := store.Get(rec.RecordID); err != nil {
		t.Fatalf("expected record link to be restored: %v", err)
	}
}

func TestConcurrentWritersSameInstant(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenResults(t, cfg)
	ctx := context.Background()
	at := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Append(ctx, newRecord(fmt.Sprintf("job-%02d", i), at), []byte("img"), ".jpg"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Append failed: %v", err)
	}
	ids, err := store.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != writers {
		t.Fatalf("expected %d records, got %d", writers, len(ids))
	}
}

func TestConcurrentAppendSameJobSingleRecord(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenResults(t, cfg)
	ctx := context.Background()
	base := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, newRecord("shared-job", base.Add(time.Duration(i)*time.Millisecond)), []byte("img"), ".jpg")
			if err != nil && !errors.Is(err, services.ErrDuplicate) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	ids, err := store.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected exactly one record for the job, got %v", ids)
	}
}

func TestConcurrentAppendSameJobSameInstantKeepsImage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenResults(t, cfg)
	ctx := context.Background()
	at := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	for round := range 20 {
		jobID := fmt.Sprintf("redelivered-%02d", round)
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Append(ctx, newRecord(jobID, at), []byte("img"), ".jpg")
				if err != nil && !errors.Is(err, services.ErrDuplicate) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		rec, err := store.GetByJob(jobID)
		if err != nil {
			t.Fatalf("GetByJob %s: %v", jobID, err)
		}
		if _, err := store.ImagePath(rec.RecordID); err != nil {
			t.Fatalf("round %d: stored record lost its image: %v", round, err)
		}
	}
}

func TestListPrefixAndAfter(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenResults(t, cfg)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		rec := newRecord(fmt.Sprintf("job-%d", i), base.Add(time.Duration(i)*time.Hour))
		if _, err := store.Append(ctx, rec, nil, ""); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		ids = append(ids, rec.RecordID)
	}

	prefixed, err := store.List(detection.RecordPrefix + "20260101T01")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(prefixed) != 1 || prefixed[0] != ids[1] {
		t.Fatalf("unexpected prefix listing %v", prefixed)
	}

	after, err := store.ListAfter("", ids[0])
	if err != nil {
		t.Fatalf("ListAfter failed: %v", err)
	}
	if len(after) != 2 || after[0] != ids[1] || after[1] != ids[2] {
		t.Fatalf("unexpected ListAfter result %v", after)
	}
}

func TestGetMissingAndMalformed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenResults(t, cfg)

	if _, err := store.Get("nope"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	testsupport.MustWrite(t, filepath.Join(store.Root(), "records", "broken.json"), []byte("{"))
	if _, err := store.Get("broken"); !errors.Is(err, services.ErrMalformedRecord) {
		t.Fatalf("expected malformed record, got %v", err)
	}
}

func TestAppendRequiresIDs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenResults(t, cfg)
	if _, err := store.Append(context.Background(), detection.Record{}, nil, ""); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

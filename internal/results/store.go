// Package results is the append-only detection record store.
//
// Records live as JSON files under records/, named by record id, with the
// job's image stored alongside. A second hard link under jobs/, named by job
// id, is created first and acts as the uniqueness guard: a redelivered job
// finds its link already present and gets ErrDuplicate instead of a second
// record. Files are written to tmp/ and linked into place, so readers never
// observe a partial record and nothing is ever overwritten. Writers on
// distinct keys take no locks.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dpas/internal/detection"
	"dpas/internal/fileutil"
	"dpas/internal/services"
)

const (
	recordsDir = "records"
	jobsDir    = "jobs"
	tmpDir     = "tmp"
	recordExt  = ".json"
)

var imageExts = []string{".jpg", ".png"}

// Store is a directory-backed record store.
type Store struct {
	root string
}

// Open prepares the store layout under root.
func Open(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("results: root directory is required")
	}
	for _, dir := range []string{recordsDir, jobsDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("results: create %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Append persists rec and, when image is non-empty, the job's image bytes.
// If a record for rec.JobID already exists the existing record is returned
// together with an error matching services.ErrDuplicate.
func (s *Store) Append(ctx context.Context, rec detection.Record, image []byte, imageExt string) (detection.Record, error) {
	if err := ctx.Err(); err != nil {
		return detection.Record{}, err
	}
	if rec.RecordID == "" || rec.JobID == "" {
		return detection.Record{}, services.Wrap(services.ErrValidation, "results", "append", "record id and job id are required", nil)
	}
	if existing, err := s.existingForJob(rec.JobID); err == nil {
		return existing, services.Wrap(services.ErrDuplicate, "results", "append", "job "+rec.JobID, nil)
	} else if !errors.Is(err, services.ErrNotFound) {
		return detection.Record{}, err
	}

	// createdImage is set only when this call published the image, so a
	// writer that loses the race never removes another writer's file.
	var createdImage string
	if len(image) > 0 {
		imagePath := s.recordPath(rec.RecordID, normalizeExt(imageExt))
		switch err := fileutil.PublishNew(s.tmp(), imagePath, image); {
		case err == nil:
			createdImage = imagePath
		case !errors.Is(err, fileutil.ErrExists):
			return detection.Record{}, services.Wrap(services.ErrStoreWrite, "results", "append", "write image", err)
		}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return detection.Record{}, services.Wrap(services.ErrStoreWrite, "results", "append", "encode record", err)
	}
	jobPath := s.jobPath(rec.JobID)
	if err := fileutil.PublishNew(s.tmp(), jobPath, data); err != nil {
		if errors.Is(err, fileutil.ErrExists) {
			// Another writer claimed this job between the check and the link.
			if createdImage != "" {
				_ = os.Remove(createdImage)
			}
			existing, lookupErr := s.existingForJob(rec.JobID)
			if lookupErr != nil {
				return detection.Record{}, lookupErr
			}
			return existing, services.Wrap(services.ErrDuplicate, "results", "append", "job "+rec.JobID, nil)
		}
		return detection.Record{}, services.Wrap(services.ErrStoreWrite, "results", "append", "write job index", err)
	}
	if err := s.linkRecord(jobPath, rec.RecordID); err != nil {
		return detection.Record{}, err
	}
	return rec, nil
}

// Get loads a record by id.
func (s *Store) Get(id string) (detection.Record, error) {
	return readRecord(s.recordPath(id, recordExt))
}

// GetByJob loads the record produced for jobID.
func (s *Store) GetByJob(jobID string) (detection.Record, error) {
	return readRecord(s.jobPath(jobID))
}

// List returns record ids starting with prefix in ascending order.
func (s *Store) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, recordsDir))
	if err != nil {
		return nil, fmt.Errorf("results: list records: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, recordExt)
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListAfter returns ids greater than after, in ascending order.
func (s *Store) ListAfter(prefix, after string) ([]string, error) {
	ids, err := s.List(prefix)
	if err != nil {
		return nil, err
	}
	idx := sort.SearchStrings(ids, after)
	for idx < len(ids) && ids[idx] <= after {
		idx++
	}
	return ids[idx:], nil
}

// ImagePath returns the stored image for a record, or ErrNotFound.
func (s *Store) ImagePath(id string) (string, error) {
	for _, ext := range imageExts {
		path := s.recordPath(id, ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", services.Wrap(services.ErrNotFound, "results", "image", "record "+id, nil)
}

// existingForJob returns the record already stored for jobID, repairing the
// records/ link if a previous writer stopped between the two links.
func (s *Store) existingForJob(jobID string) (detection.Record, error) {
	existing, err := readRecord(s.jobPath(jobID))
	if err != nil {
		return detection.Record{}, err
	}
	if err := s.linkRecord(s.jobPath(jobID), existing.RecordID); err != nil {
		return detection.Record{}, err
	}
	return existing, nil
}

func (s *Store) linkRecord(jobPath, recordID string) error {
	if err := os.Link(jobPath, s.recordPath(recordID, recordExt)); err != nil && !errors.Is(err, fs.ErrExist) {
		return services.Wrap(services.ErrStoreWrite, "results", "append", "link record", err)
	}
	return nil
}

func readRecord(path string) (detection.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return detection.Record{}, services.Wrap(services.ErrNotFound, "results", "read", filepath.Base(path), nil)
		}
		return detection.Record{}, fmt.Errorf("results: read %s: %w", filepath.Base(path), err)
	}
	var rec detection.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return detection.Record{}, services.Wrap(services.ErrMalformedRecord, "results", "read", filepath.Base(path), err)
	}
	return rec, nil
}

func (s *Store) recordPath(id, ext string) string {
	return filepath.Join(s.root, recordsDir, id+ext)
}

func (s *Store) jobPath(jobID string) string {
	return filepath.Join(s.root, jobsDir, safeName(jobID)+recordExt)
}

func (s *Store) tmp() string {
	return filepath.Join(s.root, tmpDir)
}

func normalizeExt(ext string) string {
	if strings.EqualFold(strings.TrimSpace(ext), ".png") {
		return ".png"
	}
	return ".jpg"
}

func safeName(id string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
}

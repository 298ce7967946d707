package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"dpas/internal/logging"
	"dpas/internal/services"
)

var stillExtensions = []string{".jpg", ".jpeg", ".png"}

// Submitter delivers one encoded image.
type Submitter interface {
	Submit(ctx context.Context, name string, data []byte) error
}

// Failure records one item that could not be delivered.
type Failure struct {
	Item string
	Err  string
}

// Report summarizes an ingest run.
type Report struct {
	Considered int
	Selected   int
	Submitted  int
	Failed     int
	Failures   []Failure
}

func (r *Report) fail(logger *slog.Logger, item string, err error) {
	r.Failed++
	r.Failures = append(r.Failures, Failure{Item: item, Err: err.Error()})
	logging.WarnWithContext(logger, "ingest item failed", "ingest_item_failed",
		logging.String("item", item),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check that the gateway is running and the file is a valid image"),
	)
}

// UploadDirectory submits every stride-th still image of dir in name order.
// Individual failures are counted and the run continues.
func UploadDirectory(ctx context.Context, sub Submitter, dir string, stride int, logger *slog.Logger) (Report, error) {
	var report Report
	if stride < 1 {
		return report, services.Wrap(services.ErrValidation, "ingest", "upload", fmt.Sprintf("stride %d must be at least 1", stride), nil)
	}
	logger = logging.NewComponentLogger(logger, "ingest")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return report, services.Wrap(services.ErrValidation, "ingest", "upload", "read image directory", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if slices.Contains(stillExtensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			names = append(names, entry.Name())
		}
	}
	slices.Sort(names)

	for i, name := range names {
		report.Considered++
		if i%stride != 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Selected++
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			report.fail(logger, name, err)
			continue
		}
		if err := sub.Submit(ctx, name, data); err != nil {
			report.fail(logger, name, err)
			continue
		}
		report.Submitted++
		logger.Debug("image submitted", logging.String("item", name))
	}

	logger.Info("directory upload complete",
		logging.String("dir", dir),
		logging.Int("considered", report.Considered),
		logging.Int("submitted", report.Submitted),
		logging.Int("failed", report.Failed),
	)
	return report, nil
}

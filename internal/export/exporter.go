package export

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dpas/internal/dataset"
	"dpas/internal/detection"
	"dpas/internal/fileutil"
	"dpas/internal/logging"
	"dpas/internal/services"
)

const lockFile = ".dpas-export.lock"

// Source is the read side of the result store.
type Source interface {
	List(prefix string) ([]string, error)
	Get(id string) (detection.Record, error)
	ImagePath(id string) (string, error)
}

// Options configures an export.
type Options struct {
	Output string
	// Prefix narrows the records exported; empty means every record.
	Prefix        string
	MinConfidence float64
}

// Report summarizes an export.
type Report struct {
	Records    int
	Detections int
	Filtered   int
	Tags       int
	Skipped    []string
}

// Exporter writes result store records as a converter input directory.
type Exporter struct {
	source Source
	logger *slog.Logger
}

// New constructs an exporter reading from source.
func New(source Source, logger *slog.Logger) *Exporter {
	return &Exporter{source: source, logger: logging.NewComponentLogger(logger, "export")}
}

// Run exports matching records into opts.Output. Records whose image is
// missing or unreadable are skipped with a warning; every other failure aborts.
func (e *Exporter) Run(ctx context.Context, opts Options) (Report, error) {
	var report Report
	if strings.TrimSpace(opts.Output) == "" {
		return report, services.Wrap(services.ErrValidation, "export", "run", "output directory is required", nil)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = detection.RecordPrefix
	}
	for _, dir := range []string{dataset.ImagesDir, dataset.DetectionsDir} {
		if err := os.MkdirAll(filepath.Join(opts.Output, dir), 0o755); err != nil {
			return report, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	lock, err := fileutil.TryLock(filepath.Join(opts.Output, lockFile))
	if err != nil {
		return report, services.Wrap(services.ErrValidation, "export", "lock output", "another export is writing "+opts.Output, err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			e.logger.Warn("failed to release output lock", logging.Error(err))
		}
	}()

	ids, err := e.source.List(prefix)
	if err != nil {
		return report, err
	}
	tags := newTagRegistry()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec, err := e.source.Get(id)
		if err != nil {
			return report, err
		}
		boxes, filtered, ok, err := e.exportRecord(opts, rec, tags)
		if err != nil {
			return report, err
		}
		if !ok {
			report.Skipped = append(report.Skipped, id)
			continue
		}
		report.Records++
		report.Detections += boxes
		report.Filtered += filtered
	}

	manifest := tags.manifest()
	report.Tags = len(manifest)
	if err := writeJSON(filepath.Join(opts.Output, dataset.ManifestFile), manifest); err != nil {
		return report, err
	}

	e.logger.Info("export complete",
		logging.String("output", opts.Output),
		logging.Int("records", report.Records),
		logging.Int("detections", report.Detections),
		logging.Int("filtered", report.Filtered),
		logging.Int("tags", report.Tags),
		logging.Int("skipped", len(report.Skipped)),
	)
	return report, nil
}

func (e *Exporter) exportRecord(opts Options, rec detection.Record, tags *tagRegistry) (int, int, bool, error) {
	logger := e.logger.With(logging.String(logging.FieldRecordID, rec.RecordID))
	src, err := e.source.ImagePath(rec.RecordID)
	if err != nil {
		logging.WarnWithContext(logger, "record has no stored image; skipping", "export_missing_image",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "records stored without image bytes cannot be exported"),
		)
		return 0, 0, false, nil
	}
	width, height, err := imageSize(src)
	if err != nil {
		logging.WarnWithContext(logger, "stored image unreadable; skipping", "export_bad_image", logging.Error(err))
		return 0, 0, false, nil
	}

	boxes := make([]dataset.Box, 0, len(rec.Detections))
	filtered := 0
	for _, d := range rec.Detections {
		if d.Confidence < opts.MinConfidence {
			filtered++
			continue
		}
		tagID := tags.id(d.TagName)
		if tagID == 0 {
			filtered++
			continue
		}
		boxes = append(boxes, dataset.Box{
			ID:     len(boxes) + 1,
			TagID:  tagID,
			XMin:   d.XMin,
			YMin:   d.YMin,
			XMax:   d.XMax,
			YMax:   d.YMax,
			Width:  float64(width),
			Height: float64(height),
		})
	}

	dst := filepath.Join(opts.Output, dataset.ImagesDir, rec.RecordID+filepath.Ext(src))
	if err := fileutil.CopyFile(src, dst); err != nil {
		return 0, 0, false, fmt.Errorf("copy image %s: %w", rec.RecordID, err)
	}
	if err := writeJSON(filepath.Join(opts.Output, dataset.DetectionsDir, rec.RecordID+".json"), boxes); err != nil {
		return 0, 0, false, err
	}
	return len(boxes), filtered, true, nil
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("decode %s: invalid size %dx%d", filepath.Base(path), cfg.Width, cfg.Height)
	}
	return cfg.Width, cfg.Height, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"dpas/internal/fileutil"
	"dpas/internal/logging"
	"dpas/internal/services"
)

const (
	ManifestFile  = "tags.json"
	TagsYAMLFile  = "tags.yaml"
	ImagesDir     = "images"
	DetectionsDir = "detections"
	LabelsDir     = "labels"
	lockFile      = ".dpas-convert.lock"
)

// Splits lists the output partitions in layout order.
var Splits = []string{"train", "val", "test"}

var imageExtensions = []string{".jpg", ".jpeg", ".png"}

// Options configures one conversion.
type Options struct {
	Input       string
	Output      string
	TrainRatio  float64
	Seed        uint64
	CopyWorkers int
}

// Report summarizes a conversion.
type Report struct {
	Seed    uint64
	Images  int
	Train   int
	Val     int
	Test    int
	Labels  int
	Skipped []string
	Classes int
}

type item struct {
	stem  string
	image string
	split string
	boxes []Box
}

// Converter turns an exported dataset into the YOLO layout.
type Converter struct {
	logger *slog.Logger
}

// NewConverter constructs a converter.
func NewConverter(logger *slog.Logger) *Converter {
	return &Converter{logger: logging.NewComponentLogger(logger, "dataset")}
}

// Run converts opts.Input into opts.Output. The output directory is locked
// for the duration so two conversions cannot interleave.
func (c *Converter) Run(ctx context.Context, opts Options) (Report, error) {
	report := Report{Seed: opts.Seed}
	if err := opts.validate(); err != nil {
		return report, err
	}
	if err := os.MkdirAll(opts.Output, 0o755); err != nil {
		return report, fmt.Errorf("create output directory: %w", err)
	}
	lock, err := fileutil.TryLock(filepath.Join(opts.Output, lockFile))
	if err != nil {
		return report, services.Wrap(services.ErrValidation, "dataset", "lock output", "another conversion is writing "+opts.Output, err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			c.logger.Warn("failed to release output lock", logging.Error(err))
		}
	}()

	tags, err := LoadManifest(filepath.Join(opts.Input, ManifestFile))
	if err != nil {
		return report, err
	}
	names := BuildNames(tags)
	report.Classes = len(names)

	images, err := listImages(filepath.Join(opts.Input, ImagesDir))
	if err != nil {
		return report, err
	}
	report.Images = len(images)

	stems := make([]string, 0, len(images))
	for stem := range images {
		stems = append(stems, stem)
	}
	train, val := Split(stems, opts.TrainRatio, opts.Seed)

	// Parse everything before writing so a malformed file leaves no output.
	items, skipped, err := c.collect(ctx, opts.Input, images, train, val)
	if err != nil {
		return report, err
	}
	report.Skipped = skipped

	if err := ResetLayout(opts.Output); err != nil {
		return report, err
	}
	if err := WriteTagsYAML(filepath.Join(opts.Output, TagsYAMLFile), names); err != nil {
		return report, err
	}
	if err := c.writeItems(ctx, opts, items); err != nil {
		return report, err
	}
	for _, it := range items {
		switch it.split {
		case "train":
			report.Train++
		case "val":
			report.Val++
		}
		report.Labels += len(it.boxes)
	}

	copied, err := DuplicateSplit(opts.Output, "val", "test")
	if err != nil {
		return report, err
	}
	report.Test = copied

	c.logger.Info("dataset converted",
		logging.String("input", opts.Input),
		logging.String("output", opts.Output),
		logging.Int("images", report.Images),
		logging.Int("train", report.Train),
		logging.Int("val", report.Val),
		logging.Int("test", report.Test),
		logging.Int("skipped", len(report.Skipped)),
		logging.Any("seed", report.Seed),
	)
	return report, nil
}

func (o Options) validate() error {
	if strings.TrimSpace(o.Input) == "" || strings.TrimSpace(o.Output) == "" {
		return services.Wrap(services.ErrValidation, "dataset", "convert", "input and output directories are required", nil)
	}
	if o.TrainRatio <= 0 || o.TrainRatio > 1 {
		return services.Wrap(services.ErrValidation, "dataset", "convert", fmt.Sprintf("train ratio %v must be in (0,1]", o.TrainRatio), nil)
	}
	in, err := filepath.Abs(o.Input)
	if err != nil {
		return fmt.Errorf("resolve input: %w", err)
	}
	out, err := filepath.Abs(o.Output)
	if err != nil {
		return fmt.Errorf("resolve output: %w", err)
	}
	if in == out {
		return services.Wrap(services.ErrValidation, "dataset", "convert", "output must differ from input", nil)
	}
	return nil
}

func (c *Converter) collect(ctx context.Context, input string, images map[string]string, train, val []string) ([]item, []string, error) {
	items := make([]item, 0, len(images))
	var skipped []string
	add := func(stems []string, split string) error {
		for _, stem := range stems {
			if err := ctx.Err(); err != nil {
				return err
			}
			boxes, err := LoadBoxes(filepath.Join(input, DetectionsDir, stem+".json"))
			if errors.Is(err, errNoDetections) {
				logging.WarnWithContext(c.logger, "image has no detection file; skipping", "dataset_missing_detections",
					logging.String("image", filepath.Base(images[stem])),
					logging.String(logging.FieldErrorHint, "export the dataset again or remove the orphan image"),
				)
				skipped = append(skipped, stem)
				continue
			}
			if err != nil {
				return err
			}
			items = append(items, item{stem: stem, image: images[stem], split: split, boxes: boxes})
		}
		return nil
	}
	if err := add(train, "train"); err != nil {
		return nil, nil, err
	}
	if err := add(val, "val"); err != nil {
		return nil, nil, err
	}
	slices.Sort(skipped)
	return items, skipped, nil
}

// writeItems copies images and writes labels in parallel. Each item owns its
// destination paths.
func (c *Converter) writeItems(ctx context.Context, opts Options, items []item) error {
	workers := max(opts.CopyWorkers, 1)
	jobs := make(chan item)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range jobs {
				if err := writeItem(opts.Output, it); err != nil {
					fail(err)
				}
			}
		}()
	}

send:
	for _, it := range items {
		select {
		case <-ctx.Done():
			fail(ctx.Err())
			break send
		case jobs <- it:
		}
	}
	close(jobs)
	wg.Wait()
	return firstErr
}

func writeItem(output string, it item) error {
	imageDst := filepath.Join(output, ImagesDir, it.split, filepath.Base(it.image))
	if err := fileutil.CopyFile(it.image, imageDst); err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(it.image), err)
	}
	labelDst := filepath.Join(output, LabelsDir, it.split, it.stem+".txt")
	if err := os.WriteFile(labelDst, RenderLabels(it.boxes), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(labelDst), err)
	}
	return nil
}

// ResetLayout creates empty images/{train,val,test} and labels/{train,val,test}
// directories, removing files left by an earlier conversion. Nothing else in
// output is touched.
func ResetLayout(output string) error {
	for _, root := range []string{ImagesDir, LabelsDir} {
		for _, split := range Splits {
			dir := filepath.Join(output, root, split)
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("clear %s/%s: %w", root, split, err)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create %s/%s: %w", root, split, err)
			}
		}
	}
	return nil
}

// DuplicateSplit copies every image and label file from one split to another
// and verifies the copies byte for byte. It returns the number of images.
func DuplicateSplit(output, from, to string) (int, error) {
	images := 0
	for _, root := range []string{ImagesDir, LabelsDir} {
		srcDir := filepath.Join(output, root, from)
		entries, err := os.ReadDir(srcDir)
		if err != nil {
			return images, fmt.Errorf("read %s/%s: %w", root, from, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			src := filepath.Join(srcDir, entry.Name())
			dst := filepath.Join(output, root, to, entry.Name())
			if err := fileutil.CopyFileVerified(src, dst); err != nil {
				return images, fmt.Errorf("duplicate %s/%s: %w", root, entry.Name(), err)
			}
			if root == ImagesDir {
				images++
			}
		}
	}
	return images, nil
}

// listImages maps stem to path for every still image in dir.
func listImages(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read images: %w", err)
	}
	images := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !slices.Contains(imageExtensions, ext) {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if prev, dup := images[stem]; dup {
			return nil, services.Wrap(services.ErrMalformedRecord, "dataset", "list images",
				fmt.Sprintf("images %s and %s share stem %q", filepath.Base(prev), name, stem), nil)
		}
		images[stem] = filepath.Join(dir, name)
	}
	return images, nil
}

package detection

import (
	"context"
	"time"
)

// Detection is one labelled bounding box in absolute pixel coordinates.
type Detection struct {
	TagName    string  `json:"tag_name"`
	Confidence float64 `json:"confidence"`
	XMin       float64 `json:"x_min"`
	YMin       float64 `json:"y_min"`
	XMax       float64 `json:"x_max"`
	YMax       float64 `json:"y_max"`
}

// Record is the immutable result of one successfully processed job.
type Record struct {
	RecordID    string      `json:"record_id"`
	JobID       string      `json:"job_id"`
	CompletedAt time.Time   `json:"completed_at"`
	ImageFormat string      `json:"image_format,omitempty"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Detections  []Detection `json:"detections"`
}

// Image is a validated upload: the original bytes plus decoded geometry.
type Image struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// Capability runs object detection on a decoded image. Implementations are
// not required to be safe for concurrent use; each worker owns one.
type Capability interface {
	Detect(ctx context.Context, img Image) ([]Detection, error)
	Close() error
}

// Loader constructs a Capability. Workers call it once at startup.
type Loader func(ctx context.Context) (Capability, error)

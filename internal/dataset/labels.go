package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"dpas/internal/services"
)

// Box is one entry of a detections/<stem>.json file. Coordinates are absolute
// pixels; Width and Height are the source image dimensions.
type Box struct {
	ID     int     `json:"id"`
	TagID  int     `json:"tag_id"`
	XMin   float64 `json:"x_min"`
	YMin   float64 `json:"y_min"`
	XMax   float64 `json:"x_max"`
	YMax   float64 `json:"y_max"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// errNoDetections marks an image without a detection file.
var errNoDetections = errors.New("no detection file")

// LoadBoxes reads a detection file. A missing file returns errNoDetections;
// unparsable content or a box that cannot be normalized is ErrMalformedRecord.
func LoadBoxes(path string) ([]Box, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errNoDetections
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var boxes []Box
	if err := json.Unmarshal(data, &boxes); err != nil {
		return nil, services.Wrap(services.ErrMalformedRecord, "dataset", "load detections", filepath.Base(path), err)
	}
	for i, box := range boxes {
		if err := box.validate(); err != nil {
			return nil, services.Wrap(services.ErrMalformedRecord, "dataset", "load detections",
				fmt.Sprintf("%s entry %d", filepath.Base(path), i), err)
		}
	}
	return boxes, nil
}

func (b Box) validate() error {
	if b.TagID < 1 {
		return fmt.Errorf("tag_id %d; ids start at 1", b.TagID)
	}
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("image size %vx%v", b.Width, b.Height)
	}
	for _, v := range []float64{b.XMin, b.YMin, b.XMax, b.YMax, b.Width, b.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("non-finite coordinate")
		}
	}
	return nil
}

// YOLOLine renders b as "<class> <xc> <yc> <w> <h>\n" with the 1-based tag id
// shifted to a 0-based class and coordinates normalized to the image.
func YOLOLine(b Box) string {
	xc := (b.XMin + b.XMax) / 2 / b.Width
	yc := (b.YMin + b.YMax) / 2 / b.Height
	w := (b.XMax - b.XMin) / b.Width
	h := (b.YMax - b.YMin) / b.Height
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f\n", b.TagID-1, xc, yc, w, h)
}

// RenderLabels joins the YOLO lines for boxes.
func RenderLabels(boxes []Box) []byte {
	var sb strings.Builder
	for _, b := range boxes {
		sb.WriteString(YOLOLine(b))
	}
	return []byte(sb.String())
}

package detection

import (
	"fmt"
	"sort"
)

// Labels maps model class indices to tag names.
type Labels []string

// Name returns the tag name for class, falling back to "class_<n>".
func (l Labels) Name(class int) string {
	if class >= 0 && class < len(l) && l[class] != "" {
		return l[class]
	}
	return fmt.Sprintf("class_%d", class)
}

// ParseSSD decodes an SSD-style output of N rows by 7 columns
// [batch, class, confidence, x1, y1, x2, y2] with coordinates normalized to
// [0,1]. Class ids are looked up in labels directly.
func ParseSSD(values []float32, width, height int, threshold float64, labels Labels) ([]Detection, error) {
	const stride = 7
	if len(values)%stride != 0 {
		return nil, fmt.Errorf("ssd output: %d values is not a multiple of %d", len(values), stride)
	}
	w, h := float64(width), float64(height)
	var out []Detection
	for row := 0; row+stride <= len(values); row += stride {
		confidence := float64(values[row+2])
		if confidence < threshold {
			continue
		}
		out = append(out, Detection{
			TagName:    labels.Name(int(values[row+1])),
			Confidence: confidence,
			XMin:       float64(values[row+3]) * w,
			YMin:       float64(values[row+4]) * h,
			XMax:       float64(values[row+5]) * w,
			YMax:       float64(values[row+6]) * h,
		})
	}
	return out, nil
}

// YOLOInput describes how the image was letterboxed into the network input.
type YOLOInput struct {
	Size   int
	Width  int
	Height int
}

// ParseYOLO decodes a YOLOv8-style output laid out as (4+classes) x anchors:
// centre x, centre y, width, height in network pixels followed by one score
// per class. Boxes are mapped back to the source image and overlapping
// same-class boxes are suppressed above nmsThreshold IoU.
func ParseYOLO(values []float32, classes int, in YOLOInput, threshold, nmsThreshold float64, labels Labels) ([]Detection, error) {
	if classes <= 0 {
		return nil, fmt.Errorf("yolo output: classes must be positive")
	}
	rows := 4 + classes
	if len(values)%rows != 0 {
		return nil, fmt.Errorf("yolo output: %d values is not a multiple of %d", len(values), rows)
	}
	if in.Size <= 0 || in.Width <= 0 || in.Height <= 0 {
		return nil, fmt.Errorf("yolo output: invalid input geometry %+v", in)
	}
	anchors := len(values) / rows
	scale := float64(in.Size) / float64(max(in.Width, in.Height))
	at := func(row, anchor int) float64 { return float64(values[row*anchors+anchor]) }

	type candidate struct {
		class int
		det   Detection
	}
	var candidates []candidate
	for a := 0; a < anchors; a++ {
		best, bestScore := -1, threshold
		for c := 0; c < classes; c++ {
			if score := at(4+c, a); score >= bestScore {
				best, bestScore = c, score
			}
		}
		if best < 0 {
			continue
		}
		cx, cy, bw, bh := at(0, a)/scale, at(1, a)/scale, at(2, a)/scale, at(3, a)/scale
		candidates = append(candidates, candidate{class: best, det: Detection{
			TagName:    labels.Name(best),
			Confidence: bestScore,
			XMin:       cx - bw/2,
			YMin:       cy - bh/2,
			XMax:       cx + bw/2,
			YMax:       cy + bh/2,
		}})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].det.Confidence > candidates[j].det.Confidence
	})
	var kept []candidate
	for _, cand := range candidates {
		suppressed := false
		for _, k := range kept {
			if k.class == cand.class && IoU(k.det, cand.det) > nmsThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, cand)
		}
	}
	out := make([]Detection, len(kept))
	for i, k := range kept {
		out[i] = k.det
	}
	return out, nil
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b Detection) float64 {
	ix := max(0, min(a.XMax, b.XMax)-max(a.XMin, b.XMin))
	iy := max(0, min(a.YMax, b.YMax)-max(a.YMin, b.YMin))
	inter := ix * iy
	union := (a.XMax-a.XMin)*(a.YMax-a.YMin) + (b.XMax-b.XMin)*(b.YMax-b.YMin) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// ParseOutput picks the decoder from the network output shape: [1,1,N,7] is
// SSD and [1,4+classes,anchors] is YOLOv8. Both assume the image was
// letterboxed into a square of side max(width, height) anchored top left.
func ParseOutput(shape []int, values []float32, in YOLOInput, threshold, nmsThreshold float64, labels Labels) ([]Detection, error) {
	switch {
	case len(shape) == 4 && shape[3] == 7:
		side := max(in.Width, in.Height)
		return ParseSSD(values, side, side, threshold, labels)
	case len(shape) == 3 && shape[1] > 4:
		return ParseYOLO(values, shape[1]-4, in, threshold, nmsThreshold, labels)
	default:
		return nil, fmt.Errorf("unsupported output shape %v", shape)
	}
}

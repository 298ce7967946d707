package detection

import (
	"math"
	"strings"
)

// Sanitize enforces the box invariants against an image of width x height:
// coordinates are clamped into the image, min/max pairs are ordered, and
// confidence is clamped to [0,1]. Detections with non-finite values, an empty
// tag name, or a confidence below minConfidence are dropped. Order is kept.
func Sanitize(dets []Detection, width, height int, minConfidence float64) []Detection {
	out := make([]Detection, 0, len(dets))
	w, h := float64(width), float64(height)
	for _, d := range dets {
		if !finite(d.Confidence, d.XMin, d.YMin, d.XMax, d.YMax) {
			continue
		}
		d.TagName = strings.TrimSpace(d.TagName)
		if d.TagName == "" {
			continue
		}
		d.Confidence = clamp(d.Confidence, 0, 1)
		if d.Confidence < minConfidence {
			continue
		}
		if d.XMin > d.XMax {
			d.XMin, d.XMax = d.XMax, d.XMin
		}
		if d.YMin > d.YMax {
			d.YMin, d.YMax = d.YMax, d.YMin
		}
		d.XMin, d.XMax = clamp(d.XMin, 0, w), clamp(d.XMax, 0, w)
		d.YMin, d.YMax = clamp(d.YMin, 0, h), clamp(d.YMax, 0, h)
		out = append(out, d)
	}
	return out
}

// Valid reports whether d satisfies the box invariants for the given image size.
func (d Detection) Valid(width, height int) bool {
	return finite(d.Confidence, d.XMin, d.YMin, d.XMax, d.YMax) &&
		d.Confidence >= 0 && d.Confidence <= 1 &&
		d.XMin >= 0 && d.YMin >= 0 &&
		d.XMin <= d.XMax && d.YMin <= d.YMax &&
		d.XMax <= float64(width) && d.YMax <= float64(height)
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

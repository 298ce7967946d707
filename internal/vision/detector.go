// Package vision provides the OpenCV DNN detection capability and selects
// the configured backend.
package vision

import (
	"context"
	"fmt"
	"image"
	"os"

	"gocv.io/x/gocv"

	"dpas/internal/config"
	"dpas/internal/detection"
	"dpas/internal/services"
)

// Detector runs a single OpenCV network. It is not safe for concurrent use;
// each worker loads its own.
type Detector struct {
	net          gocv.Net
	labels       detection.Labels
	inputSize    int
	confidence   float64
	nmsThreshold float64
}

// Open reads the model described by cfg and prepares it for CPU inference.
func Open(cfg config.Detector) (*Detector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "vision", "open", "model file not found", err)
	}
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "vision", "open", "model config file not found", err)
		}
	}
	labels, err := detection.LoadLabels(cfg.LabelsPath)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "vision", "open", "load labels", err)
	}

	net := gocv.ReadNet(cfg.ModelPath, cfg.ConfigPath)
	if net.Empty() {
		_ = net.Close()
		return nil, services.Wrap(services.ErrCapability, "vision", "open", "failed to load network "+cfg.ModelPath, nil)
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		_ = net.Close()
		return nil, services.Wrap(services.ErrCapability, "vision", "open", "failed to set preferable backend or target", nil)
	}
	return &Detector{
		net:          net,
		labels:       labels,
		inputSize:    cfg.InputSize,
		confidence:   cfg.ConfidenceThreshold,
		nmsThreshold: cfg.NMSThreshold,
	}, nil
}

// Detect runs the network on img. The context is checked before the
// forward pass; OpenCV itself cannot be interrupted.
func (d *Detector) Detect(ctx context.Context, img detection.Image) ([]detection.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := gocv.IMDecode(img.Data, gocv.IMReadColor)
	if err != nil {
		return nil, services.Wrap(services.ErrDecode, "vision", "detect", "decode image", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, services.Wrap(services.ErrDecode, "vision", "detect", "decoded image is empty", nil)
	}

	width, height := mat.Cols(), mat.Rows()
	side := max(width, height)
	square := gocv.NewMatWithSize(side, side, mat.Type())
	defer square.Close()
	region := square.Region(image.Rect(0, 0, width, height))
	mat.CopyTo(&region)
	region.Close()

	blob := gocv.BlobFromImage(square, 1.0/255.0, image.Pt(d.inputSize, d.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	output := d.net.Forward("")
	defer output.Close()

	values, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read network output: %w", err)
	}
	dets, err := detection.ParseOutput(output.Size(), values,
		detection.YOLOInput{Size: d.inputSize, Width: width, Height: height},
		d.confidence, d.nmsThreshold, d.labels)
	if err != nil {
		return nil, services.Wrap(services.ErrCapability, "vision", "detect", "parse network output", err)
	}
	return detection.Sanitize(dets, width, height, d.confidence), nil
}

// Close releases the network.
func (d *Detector) Close() error {
	return d.net.Close()
}

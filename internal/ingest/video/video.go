// Package video reads frames from a video file for ingest sampling.
package video

import (
	"fmt"

	"gocv.io/x/gocv"

	"dpas/internal/services"
)

// Reader decodes frames sequentially from a video file. It satisfies
// ingest.FrameSource.
type Reader struct {
	path    string
	capture *gocv.VideoCapture
	frame   gocv.Mat
}

// Open starts decoding path.
func Open(path string) (*Reader, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "video", "open", "open video "+path, err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return nil, services.Wrap(services.ErrValidation, "video", "open", "video could not be opened: "+path, nil)
	}
	return &Reader{path: path, capture: capture, frame: gocv.NewMat()}, nil
}

// Next reads the following frame. It returns false at end of stream.
func (r *Reader) Next() bool {
	if ok := r.capture.Read(&r.frame); !ok {
		return false
	}
	return !r.frame.Empty()
}

// Encode returns the current frame as JPEG.
func (r *Reader) Encode() ([]byte, error) {
	if r.frame.Empty() {
		return nil, fmt.Errorf("encode frame: no frame decoded")
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, r.frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()
	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}

// Err always returns nil: the capture API reports a failed read the same
// way as end of stream.
func (r *Reader) Err() error { return nil }

// Path returns the file being decoded.
func (r *Reader) Path() string { return r.path }

// Close releases the frame buffer and the capture handle.
func (r *Reader) Close() error {
	if err := r.frame.Close(); err != nil {
		return err
	}
	return r.capture.Close()
}

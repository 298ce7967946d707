package detection

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"dpas/internal/services"
)

// Decode validates data as a complete JPEG or PNG image and reports its
// format and dimensions.
func Decode(data []byte) (Image, error) {
	if len(data) == 0 {
		return Image{}, services.Wrap(services.ErrDecode, "detection", "decode", "empty image", nil)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, services.Wrap(services.ErrDecode, "detection", "decode", "read image header", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Image{}, services.Wrap(services.ErrDecode, "detection", "decode",
			fmt.Sprintf("invalid dimensions %dx%d", cfg.Width, cfg.Height), nil)
	}
	// A header alone does not prove the pixel data is intact.
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return Image{}, services.Wrap(services.ErrDecode, "detection", "decode", "read pixel data", err)
	}
	return Image{Data: data, Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// Extension returns the file extension used when persisting an image of this format.
func (img Image) Extension() string {
	switch img.Format {
	case "png":
		return ".png"
	default:
		return ".jpg"
	}
}

package convert

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"

	// Register JPEG so screenshots in either format decode.
	_ "image/jpeg"

	"golang.org/x/image/draw"

	"inkdash/internal/config"
)

// Panel geometry of the 7.3" Inky Impression.
const (
	PanelWidth  = 800
	PanelHeight = 480
)

// Fit scales img to exactly w×h pixels. The aspect ratio is not preserved:
// the dashboard page is rendered at panel size already, so any mismatch is
// a small stretch rather than something worth letterboxing.
func Fit(img image.Image, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// LoadImage decodes the image stored at path.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("convert: failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("convert: failed to decode image: %w", err)
	}
	return img, nil
}

// SavePNG encodes img as PNG and replaces path atomically.
func SavePNG(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("convert: failed to encode PNG: %w", err)
	}
	if err := config.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("convert: failed to write PNG: %w", err)
	}
	return nil
}

// EnsureSize loads the image at path and, when it is not w×h, resizes it
// and writes the result back to the same path. The returned image always
// has the requested size.
func EnsureSize(path string, w, h int) (image.Image, bool, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, false, err
	}

	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img, false, nil
	}

	resized := Fit(img, w, h)
	if err := SavePNG(path, resized); err != nil {
		return nil, false, err
	}
	return resized, true, nil
}

// Package imageio decodes uploaded payloads into images. Importing it
// registers JPEG, PNG, GIF, BMP, TIFF and WebP with the image package.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrDecode marks payloads that are not a valid raster image.
	ErrDecode = errors.New("payload is not a decodable image")
	// ErrTooManyPixels marks images whose header declares more pixels than
	// the caller allows. Nothing beyond the header is decoded.
	ErrTooManyPixels = errors.New("image dimensions exceed the pixel limit")
)

// Decode reads one image from r and returns it with its format name. When
// maxPixels is positive the header is checked first and larger images are
// rejected with ErrTooManyPixels.
func Decode(r io.Reader, maxPixels int) (image.Image, string, error) {
	if maxPixels > 0 {
		var header bytes.Buffer
		cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
			return nil, "", fmt.Errorf("%w: %dx%d is over %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)
		}
		r = io.MultiReader(&header, r)
	}

	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if img.Bounds().Empty() {
		return nil, "", fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	return img, format, nil
}

// LoadFile opens and decodes the image at path under the same pixel cap as
// Decode.
func LoadFile(path string, maxPixels int) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := Decode(f, maxPixels)
	if err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", path, err)
	}
	return img, nil
}

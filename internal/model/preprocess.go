package model

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

// Preprocess resizes img to width x height and writes it into dst as planar
// RGB (CHW) floats in [0,1].
func Preprocess(img image.Image, width, height int, dst []float32) error {
	channelSize := width * height
	if len(dst) < channelSize*3 {
		return fmt.Errorf("destination tensor only holds %d floats, needs %d", len(dst), channelSize*3)
	}

	bounds := img.Bounds()
	if bounds.Empty() {
		return fmt.Errorf("image has no pixels")
	}

	resized := resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	rb := resized.Bounds()

	red := dst[0:channelSize]
	green := dst[channelSize : channelSize*2]
	blue := dst[channelSize*2 : channelSize*3]

	i := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(b>>8) / 255.0
			i++
		}
	}

	return nil
}

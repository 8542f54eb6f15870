// Package annotate draws detections onto images.
package annotate

import (
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/Brownie44l1/detect-api/internal/model"
	"github.com/fogleman/gg"
)

// Drawer renders boxes and labels. The zero value uses gg's built-in bitmap
// font.
type Drawer struct {
	fontPath string
	fontSize float64
}

// NewDrawer returns a Drawer using the TrueType font at fontPath, or the
// built-in font when fontPath is empty or cannot be loaded.
func NewDrawer(fontPath string) *Drawer {
	return &Drawer{fontPath: fontPath, fontSize: 14}
}

// Draw returns a copy of img with every detection outlined in red and
// labelled with its name and confidence.
func (d *Drawer) Draw(img image.Image, detections []model.Detection) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetLineWidth(2)

	if d != nil && d.fontPath != "" {
		// Falls back to the built-in face on failure.
		_ = dc.LoadFontFace(d.fontPath, d.fontSize)
	}

	offsetX := float64(img.Bounds().Min.X)
	offsetY := float64(img.Bounds().Min.Y)

	for _, det := range detections {
		x, y := det.Xmin-offsetX, det.Ymin-offsetY
		dc.SetRGB(1, 0, 0)
		dc.DrawRectangle(x, y, det.Xmax-det.Xmin, det.Ymax-det.Ymin)
		dc.Stroke()

		label := fmt.Sprintf("%s (%.2f)", det.Name, det.Confidence)
		dc.SetRGB(0, 0, 1)
		dc.DrawStringAnchored(label, x+4, y-4, 0, 0)
	}

	return dc.Image()
}

// WriteJPEG draws the detections and encodes the result as JPEG.
func (d *Drawer) WriteJPEG(w io.Writer, img image.Image, detections []model.Detection) error {
	if err := jpeg.Encode(w, d.Draw(img, detections), &jpeg.Options{Quality: 90}); err != nil {
		return fmt.Errorf("failed to encode annotated image: %w", err)
	}
	return nil
}

// Package cvnet runs SSD-style detection networks through the OpenCV DNN
// module.
package cvnet

import (
	"fmt"
	"image"
	"os"

	"github.com/Brownie44l1/detect-api/internal/model"
	"gocv.io/x/gocv"
)

// SSD MobileNet v1 COCO input geometry.
const (
	inputSize = 300
	scale     = 1.0 / 127.5
	meanValue = 127.5
	rowWidth  = 7 // [batch, class, score, left, top, right, bottom]
)

// Engine wraps one gocv.Net. gocv.Net is not safe for concurrent use, so the
// Detector pool owns one Engine per worker.
type Engine struct {
	net gocv.Net
}

// New loads a TensorFlow frozen graph (or any format gocv.ReadNet accepts)
// together with its text config.
func New(modelPath, configPath string) (*Engine, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s", modelPath)
	}
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
	}

	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", modelPath)
	}

	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable backend or target")
	}

	return &Engine{net: net}, nil
}

// NewEngines loads n copies of the same network.
func NewEngines(modelPath, configPath string, n int) ([]model.Engine, error) {
	engines := make([]model.Engine, 0, n)
	for i := 0; i < n; i++ {
		e, err := New(modelPath, configPath)
		if err != nil {
			for _, loaded := range engines {
				loaded.Close()
			}
			return nil, fmt.Errorf("engine %d: %w", i, err)
		}
		engines = append(engines, e)
	}
	return engines, nil
}

func (e *Engine) Infer(img image.Image, minScore float32) ([]model.Candidate, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	defer mat.Close()

	if mat.Empty() {
		return nil, fmt.Errorf("converted image is empty")
	}

	blob := gocv.BlobFromImage(mat, scale, image.Pt(inputSize, inputSize), gocv.NewScalar(meanValue, meanValue, meanValue, 0), true, false)
	defer blob.Close()

	e.net.SetInput(blob, "")

	output := e.net.Forward("")
	defer output.Close()

	rows := output.Reshape(1, output.Total()/rowWidth)
	defer rows.Close()

	return decodeRows(rows.Rows(), rows.GetFloatAt, float32(mat.Cols()), float32(mat.Rows()), minScore), nil
}

// decodeRows converts SSD detection rows with normalized coordinates into
// pixel candidates.
func decodeRows(n int, at func(row, col int) float32, width, height, minScore float32) []model.Candidate {
	candidates := make([]model.Candidate, 0, n)
	for i := 0; i < n; i++ {
		confidence := at(i, 2)
		if confidence < minScore {
			continue
		}

		candidates = append(candidates, model.Candidate{
			X1:      at(i, 3) * width,
			Y1:      at(i, 4) * height,
			X2:      at(i, 5) * width,
			Y2:      at(i, 6) * height,
			Score:   confidence,
			ClassID: int(at(i, 1)),
		})
	}
	return candidates
}

func (e *Engine) Close() error {
	return e.net.Close()
}

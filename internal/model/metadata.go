package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const defaultImageSize = 640

// LoadMetadata reads the metadata file at path. A missing file is not an
// error: the YOLOv8n COCO defaults are returned instead and found is false.
func LoadMetadata(path string) (meta Metadata, found bool, err error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultMetadata(), false, nil
		}
		return Metadata{}, false, fmt.Errorf("failed to read metadata: %w", err)
	}

	if err := json.Unmarshal(metaFile, &meta); err != nil {
		return Metadata{}, false, fmt.Errorf("failed to parse metadata: %w", err)
	}

	meta.ownClasses = len(meta.Classes) > 0
	meta.applyDefaults()
	return meta, true, nil
}

// DefaultMetadata describes the stock YOLOv8n ONNX export.
func DefaultMetadata() Metadata {
	var meta Metadata
	meta.applyDefaults()
	return meta
}

func (m *Metadata) applyDefaults() {
	if m.ImageSize == 0 {
		m.ImageSize = defaultImageSize
	}
	if len(m.Classes) == 0 {
		m.Classes = append([]string(nil), CocoClasses...)
	}
	if len(m.InputShape) == 0 {
		size := int64(m.ImageSize)
		m.InputShape = []int64{1, 3, size, size}
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(4 + len(m.Classes)), 8400}
	}
	if m.InputName == "" {
		m.InputName = "images"
	}
	if m.OutputName == "" {
		m.OutputName = "output0"
	}
}

// CocoClasses are the 80 COCO labels in YOLO class-index order.
var CocoClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse",
	"sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie",
	"suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

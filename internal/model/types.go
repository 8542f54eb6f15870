package model

// Metadata describes the network loaded by an engine. It is read from the
// JSON file shipped next to the model; missing fields fall back to the
// YOLOv8n COCO export.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`

	// ownClasses is set when the file itself lists classes, before the
	// COCO defaults are filled in.
	ownClasses bool
}

// HasOwnClasses reports whether the classes came from the metadata file
// rather than the built-in COCO table.
func (m Metadata) HasOwnClasses() bool {
	return m.ownClasses
}

// Detection is one object found in an image. Coordinates are pixels in the
// original image.
type Detection struct {
	Xmin       float64 `json:"xmin"`
	Ymin       float64 `json:"ymin"`
	Xmax       float64 `json:"xmax"`
	Ymax       float64 `json:"ymax"`
	Confidence float64 `json:"confidence"`
	Class      int     `json:"class"`
	Name       string  `json:"name"`
}

// Candidate is a raw box produced by an engine before suppression and
// labelling.
type Candidate struct {
	X1, Y1, X2, Y2 float32
	Score          float32
	ClassID        int
}

// Options tunes postprocessing for a single call.
type Options struct {
	ConfThreshold float32
	IouThreshold  float32
	MaxDetections int
}

package model

import (
	"errors"
	"fmt"
	"image"

	ort "github.com/yalue/onnxruntime_go"
)

// InitEnvironment loads the onnxruntime shared library. It must run once
// before any ONNXEngine is created. An empty libPath keeps the library's
// default lookup.
func InitEnvironment(libPath string) error {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// DestroyEnvironment releases the onnxruntime library after every engine is
// closed.
func DestroyEnvironment() error {
	return ort.DestroyEnvironment()
}

// ONNXEngine runs a YOLOv8-style ONNX export. Each engine owns its own
// session and tensors, so it must not be shared between goroutines.
type ONNXEngine struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]

	inputWidth  int
	inputHeight int
	numClasses  int
	anchors     int
}

// NewONNXEngine opens modelPath with the shapes and tensor names from meta.
func NewONNXEngine(modelPath string, meta Metadata) (*ONNXEngine, error) {
	if len(meta.InputShape) != 4 || meta.InputShape[1] != 3 {
		return nil, fmt.Errorf("unsupported input shape %v, want [1 3 H W]", meta.InputShape)
	}
	if len(meta.OutputShape) != 3 || meta.OutputShape[1] <= 4 {
		return nil, fmt.Errorf("unsupported output shape %v, want [1 4+classes anchors]", meta.OutputShape)
	}

	numClasses := int(meta.OutputShape[1]) - 4
	if numClasses != len(meta.Classes) {
		return nil, fmt.Errorf("output shape has %d classes but metadata lists %d labels", numClasses, len(meta.Classes))
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXEngine{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputWidth:   int(meta.InputShape[3]),
		inputHeight:  int(meta.InputShape[2]),
		numClasses:   numClasses,
		anchors:      int(meta.OutputShape[2]),
	}, nil
}

func (e *ONNXEngine) Infer(img image.Image, minScore float32) ([]Candidate, error) {
	if err := Preprocess(img, e.inputWidth, e.inputHeight, e.inputTensor.GetData()); err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("session run: %w", err)
	}

	bounds := img.Bounds()
	scaleX := float32(bounds.Dx()) / float32(e.inputWidth)
	scaleY := float32(bounds.Dy()) / float32(e.inputHeight)

	return DecodeYOLOv8(e.outputTensor.GetData(), e.numClasses, e.anchors, scaleX, scaleY, minScore), nil
}

func (e *ONNXEngine) Close() error {
	var errs []error
	if e.session != nil {
		errs = append(errs, e.session.Destroy())
	}
	if e.inputTensor != nil {
		errs = append(errs, e.inputTensor.Destroy())
	}
	if e.outputTensor != nil {
		errs = append(errs, e.outputTensor.Destroy())
	}
	return errors.Join(errs...)
}

// NewONNXEngines loads n independent engines for the same model, closing
// the ones already created if any load fails.
func NewONNXEngines(modelPath string, meta Metadata, n int) ([]Engine, error) {
	engines := make([]Engine, 0, n)
	for i := 0; i < n; i++ {
		e, err := NewONNXEngine(modelPath, meta)
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

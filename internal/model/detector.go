package model

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
)

var (
	// ErrInference wraps every failure raised by an engine.
	ErrInference = errors.New("inference failed")
	// ErrClosed is returned once the detector has been shut down.
	ErrClosed = errors.New("detector closed")
)

// Engine is one loaded copy of a detection network. Implementations are not
// required to be safe for concurrent use; the Detector hands each engine to
// one caller at a time.
type Engine interface {
	// Infer returns raw candidates scoring at least minScore, in pixel
	// coordinates of img.
	Infer(img image.Image, minScore float32) ([]Candidate, error)
	Close() error
}

// Detector shares a fixed pool of engines between concurrent callers.
type Detector struct {
	engines  chan Engine
	size     int
	classes  []string
	defaults Options

	done      chan struct{}
	closeOnce sync.Once
}

// NewDetector takes ownership of engines. classes maps class indices to
// labels and defaults are used for any zero field of the per-call Options.
func NewDetector(engines []Engine, classes []string, defaults Options) (*Detector, error) {
	if len(engines) == 0 {
		return nil, fmt.Errorf("detector needs at least one engine")
	}

	pool := make(chan Engine, len(engines))
	for _, e := range engines {
		pool <- e
	}

	return &Detector{
		engines:  pool,
		size:     len(engines),
		classes:  append([]string(nil), classes...),
		defaults: defaults,
		done:     make(chan struct{}),
	}, nil
}

// Defaults returns the postprocessing options used when a call leaves them
// unset.
func (d *Detector) Defaults() Options {
	return d.defaults
}

// Classes returns a copy of the label table.
func (d *Detector) Classes() []string {
	return append([]string(nil), d.classes...)
}

// Workers is the number of engines in the pool.
func (d *Detector) Workers() int {
	return d.size
}

// Detect runs img through a free engine and returns labelled detections
// ordered by descending confidence. It blocks until an engine is available
// or ctx is done.
func (d *Detector) Detect(ctx context.Context, img image.Image, opts Options) ([]Detection, error) {
	opts = d.resolve(opts)

	var engine Engine
	select {
	case <-d.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case engine = <-d.engines:
	}
	defer func() { d.engines <- engine }()

	select {
	case <-d.done:
		return nil, ErrClosed
	default:
	}

	candidates, err := infer(engine, img, opts.ConfThreshold)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	width, height := float32(bounds.Dx()), float32(bounds.Dy())
	for i := range candidates {
		candidates[i] = candidates[i].clip(width, height)
	}

	return toDetections(NonMaxSuppression(candidates, opts), d.classes), nil
}

// infer isolates engine failures, including panics from native bindings, so
// that one bad request never takes the process down.
func infer(engine Engine, img image.Image, minScore float32) (candidates []Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			candidates = nil
			err = fmt.Errorf("%w: engine panic: %v", ErrInference, r)
		}
	}()

	candidates, err = engine.Infer(img, minScore)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	return candidates, nil
}

func (d *Detector) resolve(opts Options) Options {
	if opts.ConfThreshold <= 0 {
		opts.ConfThreshold = d.defaults.ConfThreshold
	}
	if opts.IouThreshold <= 0 {
		opts.IouThreshold = d.defaults.IouThreshold
	}
	if opts.MaxDetections <= 0 {
		opts.MaxDetections = d.defaults.MaxDetections
	}
	return opts
}

// toDetections labels candidates. Indices outside the label table are named
// class_<n>.
func toDetections(candidates []Candidate, classes []string) []Detection {
	detections := make([]Detection, 0, len(candidates))
	for _, c := range candidates {
		name := fmt.Sprintf("class_%d", c.ClassID)
		if c.ClassID >= 0 && c.ClassID < len(classes) {
			name = classes[c.ClassID]
		}

		detections = append(detections, Detection{
			Xmin:       float64(c.X1),
			Ymin:       float64(c.Y1),
			Xmax:       float64(c.X2),
			Ymax:       float64(c.Y2),
			Confidence: float64(min(max(c.Score, 0), 1)),
			Class:      c.ClassID,
			Name:       name,
		})
	}
	return detections
}

// Close waits for in-flight calls to hand their engines back, then closes
// every engine. Later Detect calls fail with ErrClosed.
func (d *Detector) Close() error {
	var firstErr error
	d.closeOnce.Do(func() {
		close(d.done)
		for i := 0; i < d.size; i++ {
			engine := <-d.engines
			if err := engine.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

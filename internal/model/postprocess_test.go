package model

import (
	"math"
	"testing"
)

// yoloOutput builds a [1, 4+numClasses, anchors] tensor with the given boxes
// placed at the first anchors. Every other anchor scores zero.
func yoloOutput(numClasses, anchors int, boxes []struct {
	xc, yc, w, h float32
	class        int
	score        float32
}) []float32 {
	out := make([]float32, (4+numClasses)*anchors)
	for i, b := range boxes {
		out[i] = b.xc
		out[anchors+i] = b.yc
		out[2*anchors+i] = b.w
		out[3*anchors+i] = b.h
		out[anchors*(4+b.class)+i] = b.score
	}
	return out
}

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-3
}

func TestDecodeYOLOv8_ScalesToOriginalImage(t *testing.T) {
	out := yoloOutput(3, 10, []struct {
		xc, yc, w, h float32
		class        int
		score        float32
	}{
		{xc: 320, yc: 320, w: 64, h: 128, class: 2, score: 0.9},
		{xc: 10, yc: 10, w: 4, h: 4, class: 0, score: 0.1},
	})

	// 640x640 network input, 1280x320 original image.
	got := DecodeYOLOv8(out, 3, 10, 2, 0.5, 0.25)

	if len(got) != 1 {
		t.Fatalf("Expected 1 candidate above threshold, got %d", len(got))
	}
	c := got[0]
	if c.ClassID != 2 || !approx(c.Score, 0.9) {
		t.Errorf("Unexpected class/score: %+v", c)
	}
	if !approx(c.X1, 576) || !approx(c.X2, 704) || !approx(c.Y1, 128) || !approx(c.Y2, 192) {
		t.Errorf("Unexpected box: %+v", c)
	}
}

func TestDecodeYOLOv8_ShortOutput(t *testing.T) {
	if got := DecodeYOLOv8(make([]float32, 5), 80, 8400, 1, 1, 0); got != nil {
		t.Errorf("Expected nil for undersized output, got %d candidates", len(got))
	}
}

func TestIoU(t *testing.T) {
	a := Candidate{X1: 0, Y1: 0, X2: 10, Y2: 10}

	tests := []struct {
		name string
		b    Candidate
		want float32
	}{
		{"identical", Candidate{X1: 0, Y1: 0, X2: 10, Y2: 10}, 1},
		{"disjoint", Candidate{X1: 20, Y1: 20, X2: 30, Y2: 30}, 0},
		{"half overlap", Candidate{X1: 5, Y1: 0, X2: 15, Y2: 10}, 50.0 / 150.0},
		{"degenerate", Candidate{X1: 5, Y1: 5, X2: 5, Y2: 5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IoU(a, tt.b); !approx(got, tt.want) {
				t.Errorf("IoU = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNonMaxSuppression(t *testing.T) {
	candidates := []Candidate{
		{X1: 0, Y1: 0, X2: 10, Y2: 10, Score: 0.6, ClassID: 0},
		{X1: 1, Y1: 1, X2: 11, Y2: 11, Score: 0.9, ClassID: 0},  // suppresses the first
		{X1: 1, Y1: 1, X2: 11, Y2: 11, Score: 0.8, ClassID: 1},  // other class survives
		{X1: 50, Y1: 50, X2: 60, Y2: 60, Score: 0.7, ClassID: 0},
		{X1: 80, Y1: 80, X2: 90, Y2: 90, Score: 0.1, ClassID: 0}, // below threshold
	}

	got := NonMaxSuppression(candidates, Options{ConfThreshold: 0.25, IouThreshold: 0.45, MaxDetections: 100})

	if len(got) != 3 {
		t.Fatalf("Expected 3 boxes, got %d: %+v", len(got), got)
	}
	wantScores := []float32{0.9, 0.8, 0.7}
	for i, want := range wantScores {
		if !approx(got[i].Score, want) {
			t.Errorf("Box %d: score %v, want %v", i, got[i].Score, want)
		}
	}
}

func TestNonMaxSuppression_MaxDetectionsAndStableTies(t *testing.T) {
	candidates := []Candidate{
		{X1: 0, Y1: 0, X2: 1, Y2: 1, Score: 0.5, ClassID: 3},
		{X1: 10, Y1: 10, X2: 11, Y2: 11, Score: 0.5, ClassID: 4},
		{X1: 20, Y1: 20, X2: 21, Y2: 21, Score: 0.5, ClassID: 5},
	}

	got := NonMaxSuppression(candidates, Options{ConfThreshold: 0.1, IouThreshold: 0.5, MaxDetections: 2})

	if len(got) != 2 {
		t.Fatalf("Expected cap of 2, got %d", len(got))
	}
	if got[0].ClassID != 3 || got[1].ClassID != 4 {
		t.Errorf("Ties should keep input order, got classes %d, %d", got[0].ClassID, got[1].ClassID)
	}
}

func TestCandidateClip(t *testing.T) {
	c := Candidate{X1: -5, Y1: -1, X2: 700, Y2: 200}.clip(640, 480)
	if c.X1 != 0 || c.Y1 != 0 || c.X2 != 640 || c.Y2 != 200 {
		t.Errorf("Unexpected clipped box: %+v", c)
	}
}

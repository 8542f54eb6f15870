package model

import "sort"

// DecodeYOLOv8 turns a [1, 4+numClasses, anchors] YOLOv8 output into
// candidates whose best class score is at least minScore. Box centres and
// sizes are in network input pixels; scaleX and scaleY map them back onto
// the original image.
func DecodeYOLOv8(output []float32, numClasses, anchors int, scaleX, scaleY, minScore float32) []Candidate {
	if numClasses <= 0 || anchors <= 0 || len(output) < (4+numClasses)*anchors {
		return nil
	}

	candidates := make([]Candidate, 0, 64)

	for idx := 0; idx < anchors; idx++ {
		classID := 0
		score := float32(-1e9)
		for col := 0; col < numClasses; col++ {
			p := output[anchors*(col+4)+idx]
			if p > score {
				score = p
				classID = col
			}
		}

		if score < minScore {
			continue
		}

		xc, yc := output[idx], output[anchors+idx]
		w, h := output[2*anchors+idx], output[3*anchors+idx]

		candidates = append(candidates, Candidate{
			X1:      (xc - w/2) * scaleX,
			Y1:      (yc - h/2) * scaleY,
			X2:      (xc + w/2) * scaleX,
			Y2:      (yc + h/2) * scaleY,
			Score:   score,
			ClassID: classID,
		})
	}

	return candidates
}

func (c Candidate) area() float32 {
	w, h := c.X2-c.X1, c.Y2-c.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU is the intersection over union of two boxes.
func IoU(a, b Candidate) float32 {
	x1, y1 := max(a.X1, b.X1), max(a.Y1, b.Y1)
	x2, y2 := min(a.X2, b.X2), min(a.Y2, b.Y2)

	inter := float32(0)
	if x2 > x1 && y2 > y1 {
		inter = (x2 - x1) * (y2 - y1)
	}

	union := a.area() + b.area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NonMaxSuppression drops candidates below confThreshold, then keeps the
// highest scoring box of every group of same-class boxes overlapping by more
// than iouThreshold. The result is sorted by descending score, ties keep
// their input order, and holds at most maxDetections entries.
func NonMaxSuppression(candidates []Candidate, opts Options) []Candidate {
	sorted := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= opts.ConfThreshold {
			sorted = append(sorted, c)
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	kept := make([]Candidate, 0, len(sorted))
	for _, candidate := range sorted {
		if opts.MaxDetections > 0 && len(kept) >= opts.MaxDetections {
			break
		}

		overlaps := false
		for _, existing := range kept {
			if existing.ClassID == candidate.ClassID && IoU(candidate, existing) > opts.IouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, candidate)
		}
	}

	return kept
}

// clip limits the box to a width x height image.
func (c Candidate) clip(width, height float32) Candidate {
	c.X1 = min(max(c.X1, 0), width)
	c.Y1 = min(max(c.Y1, 0), height)
	c.X2 = min(max(c.X2, 0), width)
	c.Y2 = min(max(c.Y2, 0), height)
	return c
}

package geometry

import (
	"fmt"
	"math"
	"sort"
)

// Box is an axis-aligned bounding box in pixel coordinates.
// Invariant: X1 < X2 and Y1 < Y2.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// NewBox builds a box and validates its corner ordering.
func NewBox(x1, y1, x2, y2 int) (Box, error) {
	if x1 >= x2 || y1 >= y2 {
		return Box{}, fmt.Errorf("invalid box corners (%d,%d,%d,%d)", x1, y1, x2, y2)
	}
	return Box{X1: x1, Y1: y1, X2: x2, Y2: y2}, nil
}

// Width returns the box width in pixels.
func (b Box) Width() int {
	return b.X2 - b.X1
}

// Height returns the box height in pixels.
func (b Box) Height() int {
	return b.Y2 - b.Y1
}

// Area returns the box area in square pixels.
func (b Box) Area() int {
	return b.Width() * b.Height()
}

// Center returns the box center point.
func (b Box) Center() (float64, float64) {
	return float64(b.X1+b.X2) / 2, float64(b.Y1+b.Y2) / 2
}

// CenterDistance returns the Euclidean distance between the centers of two boxes.
func CenterDistance(a, b Box) float64 {
	ax, ay := a.Center()
	bx, by := b.Center()
	return math.Hypot(ax-bx, ay-by)
}

// IoU returns the intersection-over-union of two boxes, in [0,1].
func IoU(a, b Box) float64 {
	ix1 := max(a.X1, b.X1)
	iy1 := max(a.Y1, b.Y1)
	ix2 := min(a.X2, b.X2)
	iy2 := min(a.Y2, b.Y2)

	if ix1 >= ix2 || iy1 >= iy2 {
		return 0
	}

	inter := (ix2 - ix1) * (iy2 - iy1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Scored pairs a box with a confidence score and class for suppression.
type Scored struct {
	Box   Box
	Score float64
	Class int
}

// NMS performs greedy non-maximum suppression over scored boxes.
// Boxes below scoreThreshold are dropped outright; of the rest, boxes are
// taken in descending score order and any remaining box overlapping a kept
// box with IoU > overlapThreshold is suppressed. Classes are not separated:
// the detectors feeding this stage can disagree on the class of the same
// physical object, so overlapping boxes collapse to the highest-scored one.
// Returns indices into the input slice, in descending score order.
func NMS(boxes []Scored, scoreThreshold, overlapThreshold float64) []int {
	order := make([]int, 0, len(boxes))
	for i, b := range boxes {
		if b.Score >= scoreThreshold {
			order = append(order, i)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		return boxes[order[i]].Score > boxes[order[j]].Score
	})

	kept := make([]int, 0, len(order))
	suppressed := make(map[int]bool, len(order))
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		kept = append(kept, i)
		for _, j := range order {
			if j == i || suppressed[j] {
				continue
			}
			if IoU(boxes[i].Box, boxes[j].Box) > overlapThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

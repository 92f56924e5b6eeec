package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
)

// NMS performs class-aware non-maximum suppression.
// Objects are visited from highest to lowest confidence. An object is discarded if
// a higher confidence object of the same class overlaps it with IoU >= minIoU.
// The returned slice is ordered by descending confidence, and does not alias 'input'.
func NMS(input []ObjectDetection, minIoU float32) []ObjectDetection {
	if len(input) == 0 {
		return nil
	}

	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return input[order[i]].Confidence > input[order[j]].Confidence
	})

	// Create spatial index to avoid O(N^2) comparisons.
	// The index is integer, so we round outwards to make sure we never miss an overlap.
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, b := range input {
		fb.Add(int32(math32.Floor(b.Box.X)), int32(math32.Floor(b.Box.Y)), int32(math32.Ceil(b.Box.X2())), int32(math32.Ceil(b.Box.Y2())))
	}
	fb.Finish()

	deleted := make([]bool, len(input))
	retain := make([]ObjectDetection, 0, len(input))
	nearby := []int{}
	for _, i := range order {
		if deleted[i] {
			continue
		}
		in := input[i]
		retain = append(retain, in)
		nearby = fb.SearchFast(int32(math32.Floor(in.Box.X)), int32(math32.Floor(in.Box.Y)), int32(math32.Ceil(in.Box.X2())), int32(math32.Ceil(in.Box.Y2())), nearby)
		for _, j := range nearby {
			if j == i || deleted[j] || input[j].Class != in.Class {
				continue
			}
			if input[j].Confidence > in.Confidence {
				// Already visited (and retained, or it would not be suppressing us)
				continue
			}
			if in.Box.IOU(input[j].Box) >= minIoU {
				deleted[j] = true
			}
		}
	}
	return retain
}

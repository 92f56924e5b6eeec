package camera

import (
	"math"
	"slices"
	"time"
)

// NominalFPS guesses the frame rate that the camera is configured for, from the
// intervals between frames as they were read. The median interval is used, so
// occasional stalls and bursts don't move the estimate.
// Rates of 1 FPS and above are rounded to whole numbers. Slower rates snap to
// 1/N, which covers the fractional settings (1/2, 1/4, 1/8...) that IP cameras offer.
// Returns false if there are no usable intervals.
func NominalFPS(readIntervals []time.Duration) (float64, bool) {
	valid := make([]time.Duration, 0, len(readIntervals))
	for _, d := range readIntervals {
		if d > 0 {
			valid = append(valid, d)
		}
	}
	if len(valid) == 0 {
		return 0, false
	}
	slices.Sort(valid)
	median := valid[len(valid)/2]
	fps := float64(time.Second) / float64(median)
	if fps >= 0.9 {
		return math.Round(fps), true
	}
	return 1 / math.Round(1/fps), true
}

// MeasureFPS returns the exact frame rate over a window of frame intervals.
// There is no rounding, so this is suitable for displaying the achieved rate.
func MeasureFPS(frameIntervals []time.Duration) float64 {
	var total time.Duration
	for _, d := range frameIntervals {
		total += d
	}
	if total <= 0 {
		return 0
	}
	return float64(len(frameIntervals)) / total.Seconds()
}

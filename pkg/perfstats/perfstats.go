// Package perfstats records the cost of the stages of frame processing, so that it's
// easy to compare different models and hardware.
package perfstats

import (
	"sync/atomic"
	"time"
)

// Update a sampled moving average.
// Not strictly race free between Load and Store, but this is just sampled stats,
// and it's OK to miss one or two samples when there are concurrent writers.
func UpdateMovingAverage(stat *atomic.Int64, value int64) {
	if stat.Load() == 0 {
		stat.Store(value)
	} else {
		stat.Store((stat.Load()*63 + value) >> 6)
	}
}

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

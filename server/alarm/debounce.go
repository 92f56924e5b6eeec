// Package alarm decides when an alarm fires, and plays the alarm sound.
package alarm

import (
	"sync/atomic"
	"time"
)

const DefaultCooldown = 5 * time.Second

// Debouncer rate-limits alarm firing.
// Only one goroutine (the pipeline worker) may call ShouldFire. The display
// accessors (Active, LastFire) may be called from anywhere.
type Debouncer struct {
	cooldown time.Duration
	lastFire time.Time // zero = never fired

	publishedLastFire atomic.Pointer[time.Time] // nil if never fired
}

// Create a new Debouncer. A cooldown <= 0 uses DefaultCooldown.
func NewDebouncer(cooldown time.Duration) *Debouncer {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Debouncer{
		cooldown: cooldown,
	}
}

func (d *Debouncer) Cooldown() time.Duration {
	return d.cooldown
}

// ShouldFire is evaluated once per processed frame.
// It fires if any alarm class was detected, and we're not inside the cooldown window
// of the previous firing. Triggers that are suppressed are forgotten.
func (d *Debouncer) ShouldFire(now time.Time, triggered []int) bool {
	if len(triggered) == 0 {
		return false
	}
	if !d.lastFire.IsZero() && now.Sub(d.lastFire) < d.cooldown {
		return false
	}
	d.lastFire = now
	d.publishedLastFire.Store(&now)
	return true
}

// Active returns true while we're inside the cooldown window of the most recent firing.
// This is what drives the "intrusion detected" status.
func (d *Debouncer) Active(now time.Time) bool {
	last, ok := d.LastFire()
	if !ok {
		return false
	}
	elapsed := now.Sub(last)
	return elapsed >= 0 && elapsed < d.cooldown
}

// Returns the time of the most recent firing, or false if the alarm has never fired
func (d *Debouncer) LastFire() (time.Time, bool) {
	last := d.publishedLastFire.Load()
	if last == nil {
		return time.Time{}, false
	}
	return *last, true
}

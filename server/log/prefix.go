// Package log has helpers that sit on top of github.com/cyclopcam/logs
package log

import (
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// PrefixLogger writes to the underlying log, but all messages are prefixed with a string of your choice
type PrefixLogger struct {
	Log    logs.Log
	Prefix string
}

// Create a new PrefixLogger
func NewPrefixLogger(log logs.Log, prefix string) *PrefixLogger {
	return NewPrefixLoggerNoSpace(log, prefix+" ")
}

// Create a new PrefixLogger, but don't add a space onto 'prefix'
func NewPrefixLoggerNoSpace(log logs.Log, prefix string) *PrefixLogger {
	return &PrefixLogger{
		Log:    log,
		Prefix: prefix,
	}
}

func (l *PrefixLogger) Close() {
	l.Log.Close()
}

func (l *PrefixLogger) Debugf(format string, a ...any) {
	l.Log.Debugf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Infof(format string, a ...any) {
	l.Log.Infof(l.Prefix+format, a...)
}

func (l *PrefixLogger) Warnf(format string, a ...any) {
	l.Log.Warnf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Errorf(format string, a ...any) {
	l.Log.Errorf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Criticalf(format string, a ...any) {
	l.Log.Criticalf(l.Prefix+format, a...)
}

// RateLimited emits at most one message per interval. Messages in between are counted,
// and the count is appended to the next message that gets through.
type RateLimited struct {
	Log      logs.Log
	Interval time.Duration

	lock       sync.Mutex
	lastAt     time.Time
	suppressed int
}

func NewRateLimited(log logs.Log, interval time.Duration) *RateLimited {
	return &RateLimited{
		Log:      log,
		Interval: interval,
	}
}

// Errorf logs the error if enough time has passed since the previous one.
// Returns true if the message was written.
func (r *RateLimited) Errorf(now time.Time, format string, a ...any) bool {
	r.lock.Lock()
	if !r.lastAt.IsZero() && now.Sub(r.lastAt) < r.Interval {
		r.suppressed++
		r.lock.Unlock()
		return false
	}
	r.lastAt = now
	suppressed := r.suppressed
	r.suppressed = 0
	r.lock.Unlock()

	msg := fmt.Sprintf(format, a...)
	if suppressed != 0 {
		msg += fmt.Sprintf(" (%v similar messages suppressed)", suppressed)
	}
	r.Log.Errorf("%v", msg)
	return true
}

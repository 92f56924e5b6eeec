package idgen

import "sync/atomic"

// Int64 returns values 1,2,3...
// Zero is never generated, so callers can use zero to mean "no id".
// Safe for concurrent use.
type Int64 struct {
	next atomic.Int64
}

func (u *Int64) Next() int64 {
	return u.next.Add(1)
}

// Return the most recently generated value, or zero if Next() has never been called
func (u *Int64) Last() int64 {
	return u.next.Load()
}

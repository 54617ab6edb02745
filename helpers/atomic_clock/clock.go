// Package atomic_clock is an instant readable and writable from any goroutine.
// Stored as UTC unix nanoseconds, zero means never set.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

type Clock struct{ v int64 }

func New(t time.Time) *Clock { c := &Clock{}; c.SetTime(t); return c }

func (c *Clock) IsZero() bool    { return atomic.LoadInt64(&c.v) == 0 }
func (c *Clock) UnixNano() int64 { return atomic.LoadInt64(&c.v) }

func (c *Clock) SetTime(t time.Time) {
	if t.IsZero() {
		atomic.StoreInt64(&c.v, 0)
		return
	}
	atomic.StoreInt64(&c.v, t.UnixNano())
}

func (c *Clock) Time() time.Time {
	v := atomic.LoadInt64(&c.v)
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

// Age at now, -1 if never set.
func (c *Clock) Age(now time.Time) time.Duration {
	if c.IsZero() {
		return -1
	}
	return now.Sub(c.Time())
}

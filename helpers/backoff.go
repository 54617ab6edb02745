package helpers

import (
	"time"
)

// Limited exponential backoff for retry delays driven by timers.
// First Next() after Reset() returns Min.
// Failure() multiplies next delay by K, never above Max.
// Not safe for concurrent use, owner is the event loop.
type Backoff struct {
	next time.Duration

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
// onFailure: timer.Reset(backoff.Next()); backoff.Failure()
// onSuccess: backoff.Reset()
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Min
	}
	return b.limit(b.next)
}

// Increase next delay.
func (b *Backoff) Failure() {
	next := b.Next()
	k := b.K
	if k < 1 {
		k = 1
	}
	b.next = b.limit(time.Duration(float32(next) * k))
}

func (b *Backoff) Reset() {
	b.next = b.Min
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}

// Package limiter provides the byte budget shared by the streams of a tunnel.
//
// A Limiter is a handle on a token bucket measured in bytes. Handles made
// with Clone point at the same bucket, so any number of streams holding a
// clone are bounded together by the one configured rate.
package limiter

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter   *rate.Limiter
	autoBurst bool // burst follows the rate on SetRate
}

// Limiter hands out Consume requests against a shared bucket.
// A nil *Limiter is valid and never throttles.
type Limiter struct {
	bucket *bucket
}

// New returns a limiter admitting bytesPerSecond on average. A rate <= 0
// disables throttling. A burst <= 0 allows a tenth of a second worth of
// bytes, capped at MaxDefaultBurst.
func New(bytesPerSecond float64, burst int) *Limiter {
	b := &bucket{autoBurst: burst <= 0}
	if b.autoBurst {
		burst = burstFor(bytesPerSecond)
	}
	b.limiter = rate.NewLimiter(limitFor(bytesPerSecond), burst)
	return &Limiter{bucket: b}
}

// Clone returns a handle drawing from the same bucket as l.
func (l *Limiter) Clone() *Limiter {
	if l == nil {
		return nil
	}
	return &Limiter{bucket: l.bucket}
}

// Fork returns a limiter with the rate and burst of l but a bucket of its own.
func (l *Limiter) Fork() *Limiter {
	if l == nil {
		return nil
	}
	if l.bucket.autoBurst {
		return New(l.Rate(), 0)
	}
	return New(l.Rate(), l.Burst())
}

// Shares reports whether l and o draw from the same bucket.
func (l *Limiter) Shares(o *Limiter) bool {
	if l == nil || o == nil {
		return l == o
	}
	return l.bucket == o.bucket
}

// Rate returns the configured bytes per second, 0 when unlimited.
func (l *Limiter) Rate() float64 {
	if l == nil {
		return 0
	}
	lim := l.bucket.limiter.Limit()
	if lim == rate.Inf {
		return 0
	}
	return float64(lim)
}

func (l *Limiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.bucket.limiter.Burst()
}

// SetRate retunes the bucket. Every clone observes the new rate, debt
// already accumulated is kept.
func (l *Limiter) SetRate(bytesPerSecond float64) {
	if l == nil {
		return
	}
	now := time.Now()
	l.bucket.limiter.SetLimitAt(now, limitFor(bytesPerSecond))
	if l.bucket.autoBurst {
		l.bucket.limiter.SetBurstAt(now, burstFor(bytesPerSecond))
	}
}

// Consume debits n bytes from the bucket and returns the handle that
// resolves once the debit is covered. Requests larger than the burst are
// split into burst sized reservations, each adding to the bucket's debt.
func (l *Limiter) Consume(n int) *Consume {
	now := time.Now()
	c := &Consume{n: n, at: now}
	if l == nil || n <= 0 {
		return c
	}

	lim := l.bucket.limiter
	burst := max(lim.Burst(), 1)
	for remaining := n; remaining > 0; {
		chunk := min(remaining, burst)
		r := lim.ReserveN(now, chunk)
		if !r.OK() {
			// burst shrank under us
			burst = max(lim.Burst(), 1)
			continue
		}
		if at := now.Add(r.DelayFrom(now)); at.After(c.at) {
			c.at = at
		}
		remaining -= chunk
	}
	return c
}

func limitFor(bytesPerSecond float64) rate.Limit {
	if bytesPerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(bytesPerSecond)
}

const (
	// refillSlices is how many default bursts make up one second.
	refillSlices = 10
	// MaxDefaultBurst caps the default burst at one relay copy buffer.
	MaxDefaultBurst = 32 * 1024
)

func burstFor(bytesPerSecond float64) int {
	switch {
	case bytesPerSecond <= 0 || bytesPerSecond >= math.MaxInt32:
		return math.MaxInt32
	case bytesPerSecond < refillSlices:
		return 1
	}
	return min(int(bytesPerSecond/refillSlices), MaxDefaultBurst)
}

package client

import (
	"math"
	"math/rand/v2"
	"time"
)

const defaultBackoffFactor = 1.5

// Backoff computes reconnect delays.
type Backoff struct {
	// Min is the delay before the first reconnect attempt.
	Min time.Duration
	// Max caps the delay. Zero means no cap.
	Max time.Duration
	// Factor multiplies the delay for each retry attempt.
	Factor float64
	// Jitter adds randomization as a fraction of the delay (0-1).
	Jitter float64
}

// DefaultBackoff returns the reconnect schedule interval * 1.5^(attempt-1).
func DefaultBackoff(interval time.Duration) Backoff {
	return Backoff{
		Min:    interval,
		Factor: defaultBackoffFactor,
	}
}

// Next returns the delay before the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := b.Min
	if base <= 0 {
		base = defaultReconnectInterval
	}
	factor := b.Factor
	if factor < 1 {
		factor = defaultBackoffFactor
	}

	wait := float64(base) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && wait > float64(b.Max) {
		wait = float64(b.Max)
	}

	if b.Jitter > 0 {
		delta := wait * min(b.Jitter, 1)
		wait = wait - delta + rand.Float64()*2*delta
	}
	return toDuration(wait)
}

// toDuration saturates at the largest Duration. float64(math.MaxInt64) rounds
// up to 2^63, which no longer fits in an int64.
func toDuration(f float64) time.Duration {
	if f >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

package realtime

import (
	"math"
	"math/rand/v2"
	"time"
)

// DefaultMaxDelay caps exponential backoff when no cap is configured.
const DefaultMaxDelay = 5 * time.Minute

// Backoff yields the wait before reconnect attempt n (0-based).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// FixedBackoff waits the same interval before every attempt.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Delay(int) time.Duration {
	return b.Interval
}

// ExponentialBackoff doubles Base per attempt, adds up to 50% of Base as
// jitter and caps the result at Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && (b.Max <= 0 || d < b.Max); i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64 / 2
			break
		}
		d *= 2
	}
	if b.Base > 0 {
		d += time.Duration(rand.Int64N(int64(b.Base)/2 + 1))
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// NewBackoff returns the backoff for a configured strategy name. Anything
// other than "exponential" is fixed. A non-positive delay means
// DefaultDelay and a non-positive cap means DefaultMaxDelay.
func NewBackoff(strategy string, delay, maxDelay time.Duration) Backoff {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if strategy == "exponential" {
		if maxDelay <= 0 {
			maxDelay = DefaultMaxDelay
		}
		if maxDelay < delay {
			maxDelay = delay
		}
		return ExponentialBackoff{Base: delay, Max: maxDelay}
	}
	return FixedBackoff{Interval: delay}
}

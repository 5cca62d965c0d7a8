package signaling

import (
	"math"
	"time"
)

// Backoff is the reconnect schedule: attempt n waits
// Initial * Factor^(n-1), never more than Max. Attempts beyond MaxAttempts
// are not made.
type Backoff struct {
	Initial     time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     time.Second,
		Factor:      1.5,
		Max:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(b.Factor, float64(attempt-1))
	if d >= float64(b.Max) || math.IsInf(d, 1) {
		return b.Max
	}
	return time.Duration(d)
}

func (b Backoff) Exhausted(attempt int) bool {
	return attempt > b.MaxAttempts
}

package sbq

import (
	"math"
	"time"
)

// DelayFunc returns the pause before the next dequeue attempt of a blocking
// receive, given how many attempts came back empty so far.
// The receive loop never pauses past its deadline, whatever DelayFunc returns.
type DelayFunc func(attempt int) time.Duration

// Fixed returns a DelayFunc that pauses for delay after every attempt.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc whose pause starts at delay and doubles
// with every further attempt until it reaches maxDelay. The receive loop
// uses Exponential(20*time.Millisecond, 200*time.Millisecond), which pauses
// 20ms, 40ms, 80ms, 160ms and then 200ms from the fifth attempt on.
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	if delay <= 0 {
		return Fixed(0)
	}

	return func(attempt int) time.Duration {
		d := delay
		for ; attempt > 0 && d < maxDelay; attempt-- {
			if d > math.MaxInt64/2 {
				break
			}
			d *= 2
		}
		return min(d, maxDelay)
	}
}

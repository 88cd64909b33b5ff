package queue

import "time"

// Backoff returns the delay before re-enqueueing a failed attempt:
// base x 2^retryCount, capped. retryCount is the number of retries already
// consumed, so the first retry waits exactly base.
func Backoff(base, cap time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if cap > 0 && d > cap {
		return cap
	}
	return d
}

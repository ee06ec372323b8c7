package core

import "time"

// RetryBackoff computes the delay before an instance's next attempt:
// base * 2^attempt, capped at max. Attempt is the count after the failing
// attempt has been recorded, so the first retry already waits longer than
// the base.
func RetryBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempt < 0 {
		attempt = 0
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

package channel

import "time"

// backoff computes a deterministic capped exponential delay for the given
// zero-based reconnect attempt.
func backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

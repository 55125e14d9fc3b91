package transport

import "time"

// Backoff returns the delay before reconnection attempt k (1-based):
// min(base * 2^(k-1), max). Attempts below 1 are treated as 1.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		// stop doubling once the cap is reached; also guards overflow
		if max > 0 && delay >= max {
			return max
		}
		if delay <= 0 {
			return max
		}
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

package client

import "time"

const (
	baseDelay = time.Second
	maxDelay  = 30 * time.Second
)

// Backoff is the reconnect delay before attempt: 1s doubling per attempt,
// capped at 30s.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return maxDelay
	}
	d := baseDelay << uint(attempt)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

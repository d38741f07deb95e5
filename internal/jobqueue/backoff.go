package jobqueue

import "time"

const (
	// BaseBackoff is the retry delay after a failure with zero prior attempts.
	BaseBackoff = 1 * time.Second

	// MaxBackoff caps the retry delay.
	MaxBackoff = 60 * time.Second
)

// Backoff returns min(BaseBackoff * 2^attempts, MaxBackoff).
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// 2^6 seconds already exceeds the cap; also keeps the shift from overflowing.
	if attempts >= 6 {
		return MaxBackoff
	}
	return min(BaseBackoff<<attempts, MaxBackoff)
}

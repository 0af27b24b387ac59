package worker

import (
	"math/rand"
	"time"
)

// retryDelay computes the wait before the next attempt: a linear multiple of
// the attempt count plus jitter so a burst of failures does not retry in
// lockstep.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base * time.Duration(attempt)
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return delay + jitter
}

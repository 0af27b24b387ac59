package worker

import (
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	base := 10 * time.Second

	d1 := retryDelay(base, 1)
	if d1 < base || d1 > base+base/2 {
		t.Fatalf("delay out of range for attempt 1: %s", d1)
	}

	d3 := retryDelay(base, 3)
	if d3 < 3*base || d3 > 3*base+base/2 {
		t.Fatalf("delay out of range for attempt 3: %s", d3)
	}
}

func TestRetryDelayClampsBadAttempt(t *testing.T) {
	base := time.Second
	d := retryDelay(base, 0)
	if d < base {
		t.Fatalf("attempt 0 should be treated as 1, got %s", d)
	}
}

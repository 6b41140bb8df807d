package qbosync

import (
	"testing"
	"time"
)

func TestBackoffDelayDoubles(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempt, 0); got != tt.want {
			t.Errorf("backoffDelay(%d, 0) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	for attempt := 1; attempt <= 3; attempt++ {
		base := backoffDelay(attempt, 0)
		max := backoffDelay(attempt, 1)

		if max != base+base/2 {
			t.Errorf("attempt %d: full jitter = %v, want %v", attempt, max, base+base/2)
		}
		mid := backoffDelay(attempt, 0.5)
		if mid <= base || mid >= max {
			t.Errorf("attempt %d: mid jitter %v not strictly between %v and %v", attempt, mid, base, max)
		}
	}
}

func TestDispatchConstants(t *testing.T) {
	// The engine's webhook acknowledges slowly; anything shorter than two
	// minutes aborts real jobs.
	if DispatchTimeout < 2*time.Minute {
		t.Errorf("DispatchTimeout = %v, want at least 2m", DispatchTimeout)
	}
	if maxDispatchAttempts != 3 {
		t.Errorf("maxDispatchAttempts = %d, want 3", maxDispatchAttempts)
	}
	if dispatchBatchSize != 5 {
		t.Errorf("dispatchBatchSize = %d, want 5", dispatchBatchSize)
	}
}

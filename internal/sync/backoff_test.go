package sync

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	expected := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}

	for i, want := range expected {
		attempt := i + 1
		got := backoffFor(attempt)

		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		if got < lo || got > hi {
			t.Errorf("backoffFor(%d) = %v, want within [%v, %v]", attempt, got, lo, hi)
		}
	}
}

func TestBackoffJitterVaries(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		seen[backoffFor(3)] = true
	}
	if len(seen) < 2 {
		t.Error("backoffFor(3) returned the same value 50 times; jitter missing")
	}
}

func TestBackoffClampsBadAttempt(t *testing.T) {
	got := backoffFor(0)
	if got < time.Duration(float64(2*time.Second)*0.8) || got > time.Duration(float64(2*time.Second)*1.2) {
		t.Errorf("backoffFor(0) = %v, want first-attempt range", got)
	}
}

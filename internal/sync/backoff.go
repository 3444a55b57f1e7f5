package sync

import (
	"math/rand/v2"
	"time"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Second
)

// backoffFor returns the wait before retry number attempt (1-based):
// 2s, 4s, 8s, ... capped at 60s, with ±20% jitter so a fleet of devices
// coming back online does not retry in lockstep.
func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}

	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * jitter)
}

package realtime

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Initial, capped at Max, plus up
// to half the delay again as jitter so a fleet of clients does not reconnect in lockstep.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is used when ChannelConfig leaves Backoff empty.
var DefaultBackoff = Backoff{Initial: 250 * time.Millisecond, Max: 30 * time.Second}

func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		b = DefaultBackoff
	}
	if attempt > 20 {
		attempt = 20
	}
	exp := b.Initial * time.Duration(1<<attempt)
	if b.Max > 0 && (exp > b.Max || exp <= 0) {
		exp = b.Max
	}
	jitter := time.Duration(rand.Int63n(int64(exp/2) + 1))
	return exp + jitter
}

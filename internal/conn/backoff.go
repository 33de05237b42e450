package conn

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes bounded exponential reconnect delays with jitter so a
// fleet of clients dropped by the same outage does not reconnect in lockstep.
type backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	stableAfter time.Duration

	attempt     int
	connectedAt time.Time
}

func newBackoff(base, max time.Duration, maxAttempts int, stableAfter time.Duration) *backoff {
	return &backoff{base: base, max: max, maxAttempts: maxAttempts, stableAfter: stableAfter}
}

// exhausted reports whether reconnect attempts are used up.
func (b *backoff) exhausted() bool {
	b.maybeStableReset()
	return b.attempt >= b.maxAttempts
}

// markConnected records a successful connection; a connection that stays up
// past stableAfter earns a fresh attempt budget.
func (b *backoff) markConnected() {
	b.connectedAt = time.Now()
}

// maybeStableReset refreshes the attempt budget once the last connection has
// outlived stableAfter. Called from both exhausted and next so a drop after a
// long-stable connection never sees a stale spent budget.
func (b *backoff) maybeStableReset() {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > b.stableAfter {
		b.attempt = 0
		b.connectedAt = time.Time{}
	}
}

// next returns the delay before the following attempt and consumes one.
func (b *backoff) next() time.Duration {
	b.maybeStableReset()
	jitter := time.Duration(rand.Float64() * float64(b.base) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.base)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.max),
	))
	b.attempt++
	return delay
}

// reset restores the full attempt budget (explicit user retry).
func (b *backoff) reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}

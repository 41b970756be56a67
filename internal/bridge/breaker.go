package bridge

import "time"

const (
	DefaultMinRuntime    = 3 * time.Second
	DefaultMaxRapidFails = 5
)

// Breaker counts consecutive epochs that ended before MinRuntime. A device
// that keeps failing right after open usually means a wrong path or a
// misconfigured port, and retrying forever only hides it.
type Breaker struct {
	MinRuntime    time.Duration
	MaxRapidFails int

	failures int
}

// NewBreaker returns a breaker, substituting defaults for zero values
func NewBreaker(minRuntime time.Duration, maxRapidFails int) *Breaker {
	if minRuntime <= 0 {
		minRuntime = DefaultMinRuntime
	}
	if maxRapidFails <= 0 {
		maxRapidFails = DefaultMaxRapidFails
	}
	return &Breaker{MinRuntime: minRuntime, MaxRapidFails: maxRapidFails}
}

// Record registers an epoch of the given duration and reports whether the
// breaker has tripped. An epoch of at least MinRuntime resets the count.
func (b *Breaker) Record(runtime time.Duration) bool {
	if runtime >= b.MinRuntime {
		b.failures = 0
		return false
	}
	b.failures++
	return b.failures >= b.MaxRapidFails
}

// Failures returns the current consecutive rapid-failure count
func (b *Breaker) Failures() int {
	return b.failures
}

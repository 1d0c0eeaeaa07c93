package session

import "time"

// Connection lifecycle tuning defaults.
const (
	// DefaultHeartbeatInterval is how often a keep-alive ping is sent while
	// connected.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultReconnectBase is the delay before the first reconnect attempt.
	DefaultReconnectBase = time.Second

	// DefaultReconnectMax caps the exponential reconnect delay.
	DefaultReconnectMax = 30 * time.Second

	// DefaultMaxReconnectAttempts is the retry budget for abnormal closes.
	// Once exhausted, a terminal connection-dropped error is surfaced
	// instead of retrying.
	DefaultMaxReconnectAttempts = 5
)

// Backoff maps a reconnect attempt number (0-indexed) to a delay. Pure and
// independent of I/O: delay doubles per attempt from Base up to Max, no
// jitter. Zero values fall back to the package defaults.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultReconnectBase
	}
	limit := b.Max
	if limit <= 0 {
		limit = DefaultReconnectMax
	}

	d := base
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}

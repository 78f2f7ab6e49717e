package transport

import (
	"math"
	"math/rand"
	"time"
)

// stableAfter is how long a connection must stay up before the attempt
// counter resets.
const stableAfter = 60 * time.Second

// backoff computes exponential reconnect delays with jitter.
type backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newBackoff(cfg Config) *backoff {
	return &backoff{
		base:        cfg.ReconnectBaseDelay,
		max:         cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

// more reports whether another attempt is allowed. Zero maxAttempts means
// unlimited.
func (b *backoff) more() bool {
	return b.maxAttempts <= 0 || b.attempt < b.maxAttempts
}

func (b *backoff) connected() {
	b.connectedAt = time.Now()
}

func (b *backoff) next() time.Duration {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > stableAfter {
		b.attempt = 0
	}
	jitter := rand.Float64() * float64(b.base) * 0.5
	delay := time.Duration(math.Min(
		float64(b.base)*math.Pow(2, float64(b.attempt))+jitter,
		float64(b.max),
	))
	b.attempt++
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}

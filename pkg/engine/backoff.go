package engine

import (
	"math/rand"
	"time"
)

// BackoffConfig tunes retry pacing for recoverable errors.
type BackoffConfig struct {
	// Initial is the first delay. Default: 1s.
	Initial time.Duration

	// Max caps the delay. Default: 60s.
	Max time.Duration

	// Jitter is the symmetric random fraction applied to each delay.
	// Default: 0.2.
	Jitter float64
}

func (c *BackoffConfig) applyDefaults() {
	if c.Initial <= 0 {
		c.Initial = time.Second
	}
	if c.Max <= 0 {
		c.Max = 60 * time.Second
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
}

// backoff produces the delay sequence initial, 2x, 4x, ... capped at max,
// each jittered by ±jitter.
type backoff struct {
	config  BackoffConfig
	attempt int
}

func newBackoff(config BackoffConfig) *backoff {
	config.applyDefaults()
	return &backoff{config: config}
}

func (b *backoff) reset() {
	b.attempt = 0
}

func (b *backoff) next() time.Duration {
	base := b.config.Initial << b.attempt
	if base <= 0 || base > b.config.Max {
		base = b.config.Max
	}
	b.attempt++

	spread := 1 + b.config.Jitter*(2*rand.Float64()-1)
	return time.Duration(float64(base) * spread)
}

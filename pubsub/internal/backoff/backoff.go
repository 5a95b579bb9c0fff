// Package backoff implements jittered exponential backoff for reopening
// delivery streams.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Exponential produces an increasing sequence of delays. Safe for
// concurrent use.
type Exponential struct {
	mu      sync.Mutex
	current time.Duration
	config  Config
}

func New(cfg Config) *Exponential {
	if cfg.Initial <= 0 {
		cfg.Initial = 200 * time.Millisecond
	}
	if cfg.Max <= 0 {
		cfg.Max = 30 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	return &Exponential{config: cfg}
}

// Next returns the next delay in the sequence.
func (e *Exponential) Next() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current <= 0 {
		e.current = e.config.Initial
	} else {
		e.current = time.Duration(float64(e.current) * e.config.Multiplier)
		if e.current > e.config.Max {
			e.current = e.config.Max
		}
	}
	delay := e.current
	if e.config.Jitter > 0 {
		span := float64(delay) * e.config.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * span)
		if delay < 0 {
			delay = e.config.Initial
		}
	}
	return delay
}

// Reset restarts the sequence from its initial delay.
func (e *Exponential) Reset() {
	e.mu.Lock()
	e.current = 0
	e.mu.Unlock()
}

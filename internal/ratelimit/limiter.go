// Package ratelimit implements the proxy's global admission control: a
// classical wall-clock token bucket, not the GCRA variant used elsewhere in
// the reference module's rate-limiting adapters.
package ratelimit

import (
	"sync"
	"time"
)

// Config is the bucket's capacity and refill rate.
type Config struct {
	RequestsPerSecond float64
	BurstSize         float64
}

// Limiter is a single global token bucket. It is safe for concurrent use;
// callers racing Allow only ever contend on a brief mutex section, never on
// I/O.
type Limiter struct {
	mu         sync.Mutex
	cfg        Config
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// New builds a Limiter starting with a full bucket.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:        cfg,
		tokens:     cfg.BurstSize,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow admits or rejects one request, refilling the bucket by elapsed
// wall-clock time since the last call before checking.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.cfg.RequestsPerSecond
		if l.tokens > l.cfg.BurstSize {
			l.tokens = l.cfg.BurstSize
		}
		l.lastRefill = now
	}

	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Reconfigure atomically replaces the bucket's rate/capacity and refills the
// bucket to the new burst size, restarting the refill clock.
func (l *Limiter) Reconfigure(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.tokens = cfg.BurstSize
	l.lastRefill = l.now()
}

// Package ratelimit provides per-sender rate limiting for command
// dispatch.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds limiter tuning. Zero values fall back to defaults.
type Config struct {
	// Burst is the number of commands a sender may issue back to back.
	Burst int
	// Window is the time it takes one token to refill.
	Window time.Duration
}

const (
	defaultBurst  = 6
	defaultWindow = 30 * time.Second
)

// PerSender tracks one token bucket per sender id.
type PerSender struct {
	mu       sync.Mutex
	limiters map[string]*senderLimiter
	cfg      Config
}

// senderLimiter wraps a limiter with last access time for cleanup.
type senderLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New creates a per-sender limiter with the given config.
func New(cfg Config) *PerSender {
	if cfg.Burst == 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.Window == 0 {
		cfg.Window = defaultWindow
	}
	return &PerSender{
		limiters: make(map[string]*senderLimiter),
		cfg:      cfg,
	}
}

// Allow reports whether a command from the given sender may proceed.
func (p *PerSender) Allow(sender string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	sl, ok := p.limiters[sender]
	if !ok {
		// Burst tokens refilling one per Window/Burst keeps sustained
		// throughput at Burst commands per Window.
		refill := rate.Every(p.cfg.Window / time.Duration(p.cfg.Burst))
		sl = &senderLimiter{limiter: rate.NewLimiter(refill, p.cfg.Burst)}
		p.limiters[sender] = sl
	}
	sl.lastAccess = time.Now()
	return sl.limiter.Allow()
}

// Cleanup removes limiters idle longer than maxIdle and returns how
// many were dropped.
func (p *PerSender) Cleanup(maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for sender, sl := range p.limiters {
		if sl.lastAccess.Before(cutoff) {
			delete(p.limiters, sender)
			removed++
		}
	}
	return removed
}

// Janitor sweeps idle limiters every interval until ctx is cancelled.
// It blocks; callers run it in a goroutine.
func (p *PerSender) Janitor(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Cleanup(maxIdle)
		}
	}
}

// Size returns the number of tracked senders.
func (p *PerSender) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}

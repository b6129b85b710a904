// Package ratelimit guards outbound provider calls with a sliding-window request budget, a
// minimum spacing between calls, and a shared cooldown tripped when the provider blocks us.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/pagetest-orchestrator/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// Window is the sliding window length.
	Window time.Duration
	// Budget is the number of requests allowed inside one window.
	Budget int
	// MinInterval spaces consecutive requests; zero disables pacing.
	MinInterval time.Duration
	// Cooldown is how long every caller pauses after a blocked response.
	Cooldown time.Duration
	// Now overrides the time source (tests).
	Now func() time.Time
	// Logger is optional.
	Logger *zap.Logger
}

// Limiter is safe for concurrent use by every active poll loop.
type Limiter struct {
	mu           sync.Mutex
	window       time.Duration
	budget       int
	cooldown     time.Duration
	stamps       []time.Time
	blockedUntil time.Time
	pace         *rate.Limiter
	now          func() time.Time
	logger       *zap.Logger
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 30
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	pace := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		pace = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return &Limiter{
		window:   cfg.Window,
		budget:   cfg.Budget,
		cooldown: cfg.Cooldown,
		pace:     pace,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
}

// Wait blocks until the caller may issue one request, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	for {
		delay, ok := l.admit(l.now())
		if ok {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := l.pace.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit pacing: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

// admit is the single mutation point: it either records a request at now or reports how long
// the caller must wait before trying again.
func (l *Limiter) admit(now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Before(l.blockedUntil) {
		return l.blockedUntil.Sub(now), false
	}
	cutoff := now.Add(-l.window)
	keep := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	l.stamps = keep
	if len(l.stamps) < l.budget {
		l.stamps = append(l.stamps, now)
		return 0, true
	}
	return l.stamps[0].Add(l.window).Sub(now), false
}

// Trip starts (or extends) the shared cooldown and returns when it ends.
func (l *Limiter) Trip(reason string) time.Time {
	l.mu.Lock()
	until := l.now().Add(l.cooldown)
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
	until = l.blockedUntil
	l.mu.Unlock()

	metrics.ObserveBlocked()
	l.logger.Warn("provider blocked requests; cooling down",
		zap.String("reason", reason),
		zap.Time("until", until),
	)
	return until
}

// BlockedUntil returns the end of the current cooldown (zero when never tripped).
func (l *Limiter) BlockedUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockedUntil
}

// Blocked reports whether the cooldown is active now.
func (l *Limiter) Blocked() bool {
	return l.now().Before(l.BlockedUntil())
}

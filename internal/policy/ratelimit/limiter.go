// Package ratelimit spaces out requests to the same host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/email-scraper/internal/metrics"
)

// sweepEvery bounds how often limiterFor scans for idle hosts.
const sweepEvery = time.Minute

// Limiter manages per-host token buckets. It implements crawler.Pacer.
// Buckets that have refilled completely are indistinguishable from new ones
// and are dropped by Sweep, so the map only holds hosts paced right now.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

// Config holds rate limiter configuration. Delay is the minimum spacing
// between two requests to the same host; zero disables pacing.
type Config struct {
	Delay time.Duration
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Inf
	if cfg.Delay > 0 {
		r = rate.Every(cfg.Delay)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		now:      time.Now,
	}
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if l.rate == rate.Inf {
		return nil
	}
	domain := hostOf(rawURL)
	limiter := l.limiterFor(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not interesting.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, d)
	}
	return nil
}

// Sweep drops the buckets of hosts that are back at full burst and returns
// how many were dropped.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

// Len reports how many hosts currently hold a bucket.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) sweepLocked(now time.Time) int {
	l.lastSweep = now
	dropped := 0
	for domain, limiter := range l.limiters {
		if limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, domain)
			dropped++
		}
	}
	return dropped
}

func (l *Limiter) limiterFor(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now := l.now(); now.Sub(l.lastSweep) >= sweepEvery {
		l.sweepLocked(now)
	}
	limiter, ok := l.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[domain] = limiter
	}
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Package ratelimit spaces remote calls per endpoint category with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/postharvest/internal/metrics"
)

// Limiter manages one token bucket per category.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

// Config holds pacer configuration.
type Config struct {
	// MinInterval is the minimum spacing between calls of one category.
	// Zero disables pacing.
	MinInterval time.Duration
	Burst       int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Inf
	if cfg.MinInterval > 0 {
		r = rate.Every(cfg.MinInterval)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		every:    r,
		burst:    burst,
	}
}

// Wait blocks until category may issue its next call, respecting the context.
func (l *Limiter) Wait(ctx context.Context, category string) error {
	l.mu.Lock()
	limiter, exists := l.limiters[category]
	if !exists {
		limiter = rate.NewLimiter(l.every, l.burst)
		l.limiters[category] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacer wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacerDelay(category, waited)
	}
	return nil
}

// Package ratelimit enforces the per-origin politeness rate.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lopezworks/lopez/internal/metrics"
)

// Limiter hands out one token at a time per origin. Burst is fixed at one:
// a crawler never owes an origin a burst. Waiters on the same origin are
// served in FIFO order by x/time/rate's reservation queue; origins are
// independent.
type Limiter struct {
	defaultRate rate.Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a limiter with hitsPerSec as the default per-origin rate.
func New(hitsPerSec float64) *Limiter {
	r := rate.Limit(hitsPerSec)
	if hitsPerSec <= 0 {
		r = rate.Inf
	}
	return &Limiter{
		defaultRate: r,
		limiters:    map[string]*rate.Limiter{},
	}
}

// Wait blocks until the origin's bucket has a token, then consumes it.
// crawlDelay, when positive, lowers the origin's rate to at most one hit
// per delay (robots.txt Crawl-delay); the slower of the two rates wins.
// Entries are created lazily and kept for the life of the wave.
func (l *Limiter) Wait(ctx context.Context, origin string, crawlDelay time.Duration) error {
	limiter := l.forOrigin(origin, crawlDelay)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", origin, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(origin, waited)
	}
	return nil
}

func (l *Limiter) forOrigin(origin string, crawlDelay time.Duration) *rate.Limiter {
	effective := l.defaultRate
	if crawlDelay > 0 {
		delayRate := rate.Every(crawlDelay)
		if delayRate < effective {
			effective = delayRate
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[origin]
	if !ok {
		limiter = rate.NewLimiter(effective, 1)
		l.limiters[origin] = limiter
	}
	return limiter
}

// ABOUTME: Per-identity, per-operation token-bucket quotas.
// ABOUTME: Rejections carry a RetryAfter hint instead of silently dropping.

package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a token-bucket quota per (identity, operation) pair.
// Each pair gets an independent bucket sized to the per-minute quota.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	perMinute int
	burst     int
}

// NewLimiter creates a Limiter allowing perMinute requests per
// (identity, operation) pair. A burst of zero allows bursts up to the
// full quota.
func NewLimiter(perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &Limiter{
		buckets:   make(map[string]*rate.Limiter),
		perMinute: perMinute,
		burst:     burst,
	}
}

// Allow consumes one token for the pair. When the quota is exhausted it
// reports false with the delay after which the caller may retry.
func (l *Limiter) Allow(identity, operation string) (bool, time.Duration) {
	bucket := l.bucket(identity + "\x00" + operation)

	res := bucket.Reserve()
	if !res.OK() {
		return false, time.Minute
	}
	if delay := res.Delay(); delay > 0 {
		// Not admissible now: hand the token back and tell the caller
		// when it would have been.
		res.Cancel()
		return false, delay
	}
	return true, 0
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.perMinute)/rate.Limit(time.Minute.Seconds()), l.burst)
		l.buckets[key] = b
	}
	return b
}

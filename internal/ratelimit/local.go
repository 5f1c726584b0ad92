package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalBucket is an in-process limiter for deployments without Redis.
// Each key gets its own token bucket; buckets are rebuilt when the
// configured rate changes, which only happens on limit updates.
type LocalBucket struct {
	mu      sync.Mutex
	buckets map[string]*localEntry
}

type localEntry struct {
	limiter   *rate.Limiter
	perMinute int
}

func NewLocalBucket() *LocalBucket {
	return &LocalBucket{buckets: make(map[string]*localEntry)}
}

// Allow consumes one token for the key under the per-minute rate.
func (l *LocalBucket) Allow(_ context.Context, key string, perMinute int) (Decision, error) {
	if perMinute <= 0 {
		return Decision{Allowed: true}, nil
	}

	l.mu.Lock()
	entry, ok := l.buckets[key]
	if !ok || entry.perMinute != perMinute {
		entry = &localEntry{
			limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
			perMinute: perMinute,
		}
		l.buckets[key] = entry
	}
	l.mu.Unlock()

	res := entry.limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return Decision{Allowed: false, RetryAfter: delay, Remaining: entry.limiter.Tokens()}, nil
	}
	return Decision{Allowed: true, Remaining: entry.limiter.Tokens()}, nil
}

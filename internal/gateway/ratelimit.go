package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// userLimiter keeps one token bucket per user. rps <= 0 disables
// limiting entirely.
type userLimiter struct {
	rps   int
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newUserLimiter(rps int) *userLimiter {
	burst := rps * 2
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{
		rps:     rps,
		burst:   burst,
		buckets: map[string]*rate.Limiter{},
	}
}

func (l *userLimiter) allow(userID string) bool {
	if l.rps <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[userID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.buckets[userID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

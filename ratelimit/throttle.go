package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttle is a pool of token buckets keyed by an arbitrary string, used for
// cheap signals such as reactions and typing indicators.
type Throttle struct {
	rps   rate.Limit
	burst int

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

// NewThrottle returns a Throttle refilling rps tokens per second up to burst.
func NewThrottle(rps float64, burst int) *Throttle {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &Throttle{
		rps:   rate.Limit(rps),
		burst: burst,
		m:     make(map[string]*rate.Limiter),
	}
}

func (t *Throttle) get(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(t.rps, t.burst)
	t.m[key] = l
	return l
}

// Allow takes a token for key if one is available.
func (t *Throttle) Allow(key string) bool {
	return t.get(key).Allow()
}

// Forget drops the bucket for key.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, key)
}

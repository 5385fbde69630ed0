package limiter

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxKeys bounds the number of tracked callers before the table is reset.
const maxKeys = 10000

// Requests keeps one token bucket per caller.
type Requests struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewRequests allows rps requests per second per key with the given burst.
// A non-positive rps disables limiting.
func NewRequests(rps float64, burst int) *Requests {
	if burst <= 0 {
		burst = 1
	}
	return &Requests{limiters: map[string]*rate.Limiter{}, rate: rate.Limit(rps), burst: burst}
}

func (r *Requests) get(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		if len(r.limiters) >= maxKeys {
			r.limiters = map[string]*rate.Limiter{}
		}
		l = rate.NewLimiter(r.rate, r.burst)
		r.limiters[key] = l
	}
	return l
}

// Allow reports whether key may make one more request now.
func (r *Requests) Allow(key string) bool {
	if r == nil || r.rate <= 0 {
		return true
	}
	return r.get(key).Allow()
}

package api

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// ipRateLimiter holds one token bucket per client IP. It guards the share
// redemption endpoint, the only surface reachable without a session, so a
// client can't sweep the token space (spec.md §3: tokens are unguessable,
// but unguessable only stays true against a bounded request rate).
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPRateLimiter(perSecond float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *ipRateLimiter) allow(clientIP string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[clientIP]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[clientIP] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// middleware rejects over-rate requests with 429. chi's RealIP middleware
// has already rewritten RemoteAddr by the time this runs.
func (l *ipRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !l.allow(host) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

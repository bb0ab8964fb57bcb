package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// claimRateLimiter throttles pairing-code claim attempts per source IP,
// the same posture as the teacher's per-client token bucket but backed by
// golang.org/x/time/rate rather than a hand-rolled bucket. A pairing code
// is six digits; without this an attacker on the local network could brute
// force it well within the session's TTL.
type claimRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	lastSeen map[string]time.Time
}

func newClaimRateLimiter(perSecond float64, burst int) *claimRateLimiter {
	return &claimRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *claimRateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = lim
	}
	l.lastSeen[key] = time.Now()
	return lim.Allow()
}

// cleanup evicts limiters untouched for longer than maxIdle, bounding
// memory growth from a long-running daemon seeing many distinct callers.
func (l *claimRateLimiter) cleanup(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for key, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.limiters, key)
			delete(l.lastSeen, key)
		}
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitClaims wraps a pairing claim handler, rejecting over-rate
// callers with 429 before the request reaches the pairing manager.
func (s *Server) rateLimitClaims(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.claimLimiter.allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "too many pairing claim attempts, slow down")
			return
		}
		next(w, r)
	}
}

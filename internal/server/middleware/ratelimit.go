package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleClient is how long a client's bucket is kept after its last request.
const idleClient = 10 * time.Minute

// RateLimitConfig sets a token bucket per client IP.
type RateLimitConfig struct {
	// PerSecond is the refill rate; zero or less disables limiting.
	PerSecond float64
	Burst     int
	// TrustProxy takes the client IP from X-Forwarded-For or X-Real-IP.
	// Without a proxy in front those headers are caller-controlled.
	TrustProxy bool
}

type buckets struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	byIP      map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// allow takes a token from ip's bucket, evicting idle buckets at most once
// per idleClient.
func (b *buckets) allow(ip string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Sub(b.lastSweep) > idleClient {
		for k, c := range b.byIP {
			if now.Sub(c.lastSeen) > idleClient {
				delete(b.byIP, k)
			}
		}
		b.lastSweep = now
	}
	c, ok := b.byIP[ip]
	if !ok {
		c = &bucket{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.byIP[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// RateLimit answers 429 once a client IP exceeds its bucket.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.PerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	b := &buckets{
		limit: rate.Limit(cfg.PerSecond),
		burst: max(cfg.Burst, 1),
		byIP:  make(map[string]*bucket),
	}
	// Seconds until one token is back, at least 1.
	retryAfter := max(1, int(1/cfg.PerSecond+0.5))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !b.allow(clientIP(r, cfg.TrustProxy), time.Now()) {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the peer address, or the first proxy-reported address when
// trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

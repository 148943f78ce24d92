package auth

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/time/rate"

	"fruits-store/internal/observability"
)

const defaultLimiterCapacity = 5000

// LoginRateLimiter throttles login requests per client IP with a token bucket.
// Idle IPs are evicted least-recently-used once the table is full.
type LoginRateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	byIP    *simplelru.LRU[string, *rate.Limiter]
	now     func() time.Time
	metrics *observability.Metrics
}

func NewLoginRateLimiter(maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	byIP, err := simplelru.NewLRU[string, *rate.Limiter](defaultLimiterCapacity, nil)
	if err != nil {
		panic(err)
	}

	return &LoginRateLimiter{
		limit: rate.Every(window / time.Duration(maxHits)),
		burst: maxHits,
		byIP:  byIP,
		now:   time.Now,
	}
}

func (l *LoginRateLimiter) WithClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

func (l *LoginRateLimiter) WithMetrics(metrics *observability.Metrics) {
	l.metrics = metrics
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(observability.ClientIP(r))
		if !allowed {
			l.metrics.LoginOutcome("rate_limited")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(ip string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.byIP.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.byIP.Add(ip, limiter)
	}

	reservation := limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	reservation.CancelAt(now)
	return false, delay
}

func retryAfterSeconds(delay time.Duration) int {
	seconds := int(math.Ceil(delay.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// limiter is a process-wide token bucket shared by the spawn and start routes.
type limiter struct {
	bucket *rate.Limiter
}

func newLimiter(perSec float64, burst int) *limiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiter{bucket: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// allow reports whether a request may proceed and, if not, how long the caller
// should wait before retrying.
func (l *limiter) allow() (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	res := l.bucket.Reserve()
	if !res.OK() {
		return false, time.Second
	}
	delay := res.Delay()
	if delay == 0 {
		return true, 0
	}
	res.Cancel()
	return false, delay
}

func (s *Server) rateLimited(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := s.limiter.allow()
			if !ok {
				s.metrics.ObserveRateLimited(route)
				secs := int(wait.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				respondError(w, http.StatusTooManyRequests, "rate_limited", "too many "+route+" requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

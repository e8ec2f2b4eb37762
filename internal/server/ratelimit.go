package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

// remainingReporter is implemented by limiters that can report the state
// of a key.
type remainingReporter interface {
	Remaining(key string, limit int) (int, time.Time)
}

// RateLimitMiddleware throttles authenticated users to limit requests per
// window and writes RateLimit-* headers. Anonymous requests are not
// counted here; trigger tokens are throttled by pipeline creation itself.
func RateLimitMiddleware(limiter ports.RateLimiter, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())
			if user == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := "api:user:" + strconv.FormatInt(user.ID, 10)
			allowed := limiter.Allow(r.Context(), key, limit)

			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(limit))
			var reset time.Time
			if rr, ok := limiter.(remainingReporter); ok {
				var remaining int
				remaining, reset = rr.Remaining(key, limit)
				h.Set("RateLimit-Remaining", strconv.Itoa(remaining))
				h.Set("RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			}

			if !allowed {
				retry := 60
				if !reset.IsZero() {
					if secs := int(time.Until(reset).Seconds()) + 1; secs > 0 {
						retry = secs
					}
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				AddLogField(r.Context(), "throttled", "true")
				WriteMessage(w, http.StatusTooManyRequests, "Retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrel-labs/rendercore/internal/metrics"
	"github.com/kestrel-labs/rendercore/internal/ratelimiter"
	"github.com/kestrel-labs/rendercore/internal/types"
)

// RateLimit returns middleware enforcing limiter's fixed-window admission
// and reporting X-RateLimit-* headers on every response, allowed or not.
// Construct one Limiter at server startup and reuse it here; a fresh
// Limiter per route would give each route its own counter.
func RateLimit(limiter *ratelimiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			key := limiter.ClientKey(r)
			decision := limiter.Allow(key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
			}

			if !decision.Allowed {
				metrics.RecordRateLimitRejection()
				retryAfter := int(decision.ResetAt.Sub(startTime).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeErrorResponse(w, http.StatusTooManyRequests, types.CodeRateLimited,
					fmt.Sprintf("rate limit exceeded, retry after %ds", retryAfter), startTime)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

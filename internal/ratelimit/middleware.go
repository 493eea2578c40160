package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"recordkeeper/internal/util"
)

// Limiter is what Middleware needs from FixedWindowLimiter.
type Limiter interface {
	Take(ctx context.Context, key string) Decision
}

// Middleware meters write requests per client IP and answers 429 once the
// window is spent. Safe methods are never counted.
func Middleware(limiter Limiter, trusted *util.TrustedProxies, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		d := limiter.Take(r.Context(), util.ClientIP(r, trusted))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":     "rate limit exceeded",
			"code":      "RATE_LIMITED",
			"requestId": util.RequestIDFromRequest(r),
		})
	})
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/metrics"
	"github.com/beaconcrm/beacon/internal/redis"
)

// RateLimitMiddleware enforces per-key request limits in front of the v1
// routes. A nil limiter or an empty key disables the check, and a Redis
// failure lets the request through rather than taking the API down.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(result.Remaining+1))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if result.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimitRejection(key)
			h.Set("Retry-After", strconv.Itoa(int(time.Until(result.ResetAt).Seconds())))
			h.Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(ErrorResponse{
				Type:   "rate_limit_exceeded",
				Title:  "Too Many Requests",
				Status: http.StatusTooManyRequests,
				Detail: "Rate limit exceeded. Please retry after the specified time.",
			})
		}
		return http.HandlerFunc(fn)
	}
}

// IPKeyFunc keys rate limits on client IP, preferring proxy headers over the
// raw remote address.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/magickapi/internal/api/response"
	"github.com/kiranshivaraju/magickapi/internal/cache"
)

const defaultRequestsPerWindow = 1000

// RateLimit provides fixed-window per-key rate limiting via Redis.
type RateLimit struct {
	cache    cache.Cache
	requests int
	window   time.Duration
}

// NewRateLimit creates a new RateLimit middleware allowing requests per window.
func NewRateLimit(c cache.Cache, requests int, window time.Duration) *RateLimit {
	if requests <= 0 {
		requests = defaultRequestsPerWindow
	}
	if window <= 0 {
		window = time.Hour
	}
	return &RateLimit{cache: c, requests: requests, window: window}
}

// Limit counts requests against the key set by the auth middleware.
// Anonymous requests and Redis failures pass through.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := GetAPIKey(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		counterKey := cache.RateLimitKey(key.KeyID)
		count, err := rl.cache.IncrWithExpiry(r.Context(), counterKey, rl.window)
		if err != nil {
			slog.Warn("rate limit unavailable, allowing request", "error", err, "key_id", key.KeyID)
			next.ServeHTTP(w, r)
			return
		}

		reset := rl.window
		if ttl, err := rl.cache.TTL(r.Context(), counterKey); err == nil && ttl > 0 {
			reset = ttl
		}

		remaining := max(rl.requests-int(count), 0)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(reset).Unix(), 10))

		if count > int64(rl.requests) {
			w.Header().Set("Retry-After", strconv.Itoa(int(reset.Seconds())))
			response.Error(w, http.StatusTooManyRequests,
				response.CodeRateLimitExceeded, "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

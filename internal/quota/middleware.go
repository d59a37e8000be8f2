package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/amitdevx/FileFlow/internal/logging"
	"github.com/amitdevx/FileFlow/internal/metrics"
)

// OwnerFromContext extracts the caller's owner id from the request context.
// It keeps this package independent of auth.
type OwnerFromContext func(ctx context.Context) string

// RateLimitMiddleware enforces rpm requests per minute for each owner.
// Requests without an owner pass through.
func RateLimitMiddleware(limiter *RateLimiter, rpm int, owner OwnerFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := owner(r.Context())
			if id == "" || limiter.Allow(id, rpm) {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimitHit()
			logging.Debug("rate limited", zap.String("owner_id", id), zap.String("path", r.URL.Path))
			w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(id, rpm)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": "rate limit exceeded",
				"code":  http.StatusTooManyRequests,
			})
		})
	}
}

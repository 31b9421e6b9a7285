package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tollgate/tollgate/internal/auth"
)

// Middleware returns an HTTP middleware that gates usage-submission requests
// with the fixed-window limiter. It expects an authenticated principal in
// the request context and an {endpoint} URL parameter.
//
// Rate-limit headers are always set on the response:
//
//	X-RateLimit-Limit     maximum requests allowed in the window
//	X-RateLimit-Remaining requests remaining in the current window
//	X-RateLimit-Reset     unix timestamp when the window resets
//
// When the limit is exceeded the middleware responds with HTTP 429 and a
// JSON error body; the request is never billed.
func Middleware(limiter *Limiter, onReject ...func(endpoint string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := auth.PrincipalFromContext(r.Context())
			endpoint := chi.URLParam(r, "endpoint")
			if user == "" || endpoint == "" {
				next.ServeHTTP(w, r)
				return
			}

			now := time.Now()
			res := limiter.Check(user, endpoint, now)

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", res.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", res.ResetAt))

			if !res.Allowed {
				for _, fn := range onReject {
					fn(endpoint)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    "limit_exceeded",
						"message": "Rate limit exceeded. Try again later.",
					},
				})
				return
			}

			limiter.Record(user, endpoint, now)
			next.ServeHTTP(w, r)
		})
	}
}

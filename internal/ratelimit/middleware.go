package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/alecgard/okrai/internal/auth"
)

// Middleware returns an HTTP middleware that enforces rate limits using the
// provided Limiter. It expects an authenticated principal in the request
// context (set by auth.Middleware); the principal ID is the window identity.
//
// Rate-limit headers are always set on the response:
//
//	X-RateLimit-Limit     — maximum requests allowed in the window
//	X-RateLimit-Remaining — requests remaining in the current window
//	X-RateLimit-Reset     — Unix timestamp when the window closes
//
// When the limit is exceeded the middleware responds with HTTP 429, a
// Retry-After header and a JSON error body carrying retryAfter in seconds.
func Middleware(limiter *Limiter, onReject ...func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.PrincipalFromContext(r.Context())
			if p == nil {
				// No principal in context — skip rate limiting.
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Check(p.ID)
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
				w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
				w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))
			}

			if !d.Allowed {
				for _, fn := range onReject {
					fn()
				}
				WriteRejection(w, d)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WriteRejection writes the 429 response for a rejected decision.
func WriteRejection(w http.ResponseWriter, d Decision) {
	seconds := int(math.Ceil(d.RetryAfter.Seconds()))
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    "rate_limited",
			"message": "Rate limit exceeded. Try again later.",
		},
		"retryAfter": seconds,
	})
}

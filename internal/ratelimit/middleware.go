package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the limit key from a request. An empty key skips the limit.
type KeyFunc func(r *http.Request) string

// RejectFunc writes the response for a limited request. The caller owns the
// response envelope so this package stays free of API types.
type RejectFunc func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration)

// Middleware enforces l on every request it wraps. Limiter errors let the
// request through.
func Middleware(l Limiter, key KeyFunc, reject RejectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, retryAfter, err := l.Allow(r.Context(), k)
			if err != nil || ok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(retryAfter.Seconds())))))
			reject(w, r, retryAfter)
		})
	}
}

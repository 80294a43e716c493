package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/therese-ai/therese/pkg/therr"
)

// Middleware rejects clients over budget with a 429 and the standard
// error envelope. The client key is the remote host.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientKey(r)
			ok, resetAt := l.Allow(client)
			if !ok {
				retryAfter := int(time.Until(resetAt).Seconds()) + 1
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(therr.TheresError{
					Code:    therr.CodeRateLimited,
					Message: "Trop de requetes. Reessayez dans un instant.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

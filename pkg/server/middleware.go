package server

import (
	"net/http"
	"strings"

	"github.com/therese-ai/therese/pkg/security"
	"github.com/therese-ai/therese/pkg/therr"
)

// corsMiddleware only admits the local desktop shell origins.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+security.TokenHeader)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authExempt lists the paths reachable without the session token:
// health probes, the token bootstrap, and OAuth redirect callbacks.
func authExempt(path string) bool {
	if path == "/health" || path == "/health/services" || path == "/api/auth/token" {
		return true
	}
	return strings.HasPrefix(path, "/api/oauth/callback")
}

// authMiddleware requires the session token in the header or the
// "token" query parameter on every non-exempt request.
func authMiddleware(token *security.SessionToken) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || authExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			candidate := r.Header.Get(security.TokenHeader)
			if candidate == "" {
				candidate = r.URL.Query().Get("token")
			}
			if !token.Verify(candidate) {
				writeError(w, therr.New(therr.CodeUnauthorized, "Session invalide."))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/wolfeidau/blob-cache/telemetry"
)

// Paths served without a token.
var authExempt = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware validates Bearer token authentication.
// When AuthToken is empty, the middleware is a no-op.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authExempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(provided), tokenBytes) != 1 {
			telemetry.SetResult(r, telemetry.ResultDenied)
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

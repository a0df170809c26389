package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// compareTokens hashes both inputs before the constant-time compare so the
// token length does not leak.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// authMiddleware requires Authorization: Bearer <token> when a token is
// configured. /health is always public.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.config.AuthToken == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			g.writeError(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			g.writeError(w, "invalid Authorization format", http.StatusUnauthorized)
			return
		}
		if !compareTokens(token, g.config.AuthToken) {
			g.writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

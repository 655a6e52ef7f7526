package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// validAPIKey compares the presented key against the configured one in
// constant time. An empty configured key rejects everything.
func (s *Server) validAPIKey(presented string) bool {
	if s.config.APIKey == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.config.APIKey)) == 1
}

// extractAPIKey pulls the bearer token from the Authorization header.
func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.validAPIKey(extractAPIKey(r)) {
			s.logger.Warn("unauthorized request", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

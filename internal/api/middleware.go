package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey int

const requestIDContextKey contextKey = iota

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware generates or propagates a request id, grounded on the
// reference service's middleware.RequestIDMiddleware.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDContextKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("diagnostic API request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestIDFrom(r.Context()),
			"duration", time.Since(start),
		)
	})
}

// authMiddleware checks a bearer token against
// SecurityConfig.DiagnosticAPIToken. An empty configured token means the
// loopback surface trusts anything that can reach it (the operator chose
// to bind it somewhere unprotected, or relies on host-level access control).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.DiagnosticAPIToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token != s.cfg.DiagnosticAPIToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing diagnostic API token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

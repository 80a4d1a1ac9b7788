package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/testplane/testplane/pkg/registry"
	"github.com/testplane/testplane/pkg/store"
)

type contextKey string

const (
	principalContextKey contextKey = "principal"
	runnerContextKey    contextKey = "runner"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requirePrincipal authenticates a Bearer token against the seeded
// principals and injects the principal into the request context. The
// principal is later passed to services as a parameter; nothing below
// the handlers reads it from the context.
func (s *server) requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		principal, err := s.store.AuthenticateToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid token"})

			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireLease authenticates a Bearer lease token against the runner
// registry and injects the resolved runner id into the request context.
func (s *server) requireLease(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"lease token required"})

			return
		}

		runnerID, err := s.registry.Resolve(token)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, registry.ErrLeaseExpired) {
				// Expired is distinguishable so runners know to
				// re-register rather than retry.
				status = http.StatusGone
			}

			writeJSON(w, status, errorResponse{err.Error()})

			return
		}

		ctx := context.WithValue(r.Context(), runnerContextKey, runnerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts a Bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(h[7:])

	return token, token != ""
}

// principalFromContext extracts the authenticated principal.
func principalFromContext(ctx context.Context) *store.Principal {
	p, _ := ctx.Value(principalContextKey).(*store.Principal)

	return p
}

// runnerFromContext extracts the authenticated runner id.
func runnerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runnerContextKey).(string)

	return id
}

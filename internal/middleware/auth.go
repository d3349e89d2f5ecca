package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/partilha-pro/backend/internal/identity"
)

// RequireCaller rejects requests whose bearer token does not resolve and
// stores the resolved caller on the request context.
func RequireCaller(resolver identity.Resolver, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := identity.ResolveRequest(r, resolver)
			caller, ok := res.Caller()
			if !ok || caller.IsAnonymous() {
				logger.Debug().Err(res.Reason()).Str("path", r.URL.Path).Msg("[auth] unauthenticated request")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithCaller(r.Context(), caller)))
		})
	}
}

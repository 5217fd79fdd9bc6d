package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/rx3lixir/boltalka/pkg/jwt"
)

type contextKey string

const claimsKey contextKey = "claims"

// AuthMiddleware requires a valid Bearer access token and stores its
// claims in the request context.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.respondError(w, http.StatusUnauthorized, "Missing authorization header")
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			s.respondError(w, http.StatusUnauthorized, "Invalid authorization header")
			return
		}

		claims, err := s.jwt.ValidatePurpose(token, jwt.PurposeAccess)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsFromContext returns the claims stored by AuthMiddleware
func claimsFromContext(ctx context.Context) (*jwt.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*jwt.Claims)
	return claims, ok
}

package middleware

import (
	"collab-server/auth"
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type contextKey string

const PrincipalContextKey = contextKey("principal")

// AuthBearer verifies the bearer token and stores the principal id in the
// request context.
func AuthBearer(verifier auth.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Authorization header is required"})
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Authorization header format must be Bearer {token}"})
				return
			}

			principalID, err := verifier.Verify(r.Context(), parts[1])
			if err != nil {
				logrus.WithError(err).Debug("Rejected bearer token")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Invalid token"})
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalContextKey, principalID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func PrincipalFrom(ctx context.Context) (string, bool) {
	principalID, ok := ctx.Value(PrincipalContextKey).(string)
	return principalID, ok && principalID != ""
}

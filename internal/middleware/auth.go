package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/token"
)

// activationClaimsKey is the context key for verified activation claims.
type activationClaimsKey struct{}

// RequireActivationToken verifies the Bearer token on routes that re-validate
// an existing binding. Only long-lived activation tokens pass; check-in
// tokens and anything else are rejected uniformly as unauthorized.
func RequireActivationToken(issuer *token.Issuer, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				_ = render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrUnauthorized))
				return
			}

			claims, err := issuer.VerifyActivation(raw)
			if err != nil {
				logger.WarnContext(r.Context(), "token verification failed",
					"path", r.URL.Path)
				_ = render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrInvalidToken))
				return
			}

			ctx := context.WithValue(r.Context(), activationClaimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActivationClaimsFromContext returns the verified claims stored by
// RequireActivationToken, or nil when the route was not authenticated.
func ActivationClaimsFromContext(ctx context.Context) *token.ActivationClaims {
	claims, _ := ctx.Value(activationClaimsKey{}).(*token.ActivationClaims)
	return claims
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

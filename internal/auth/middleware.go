package auth

import (
	"context"
	"net/http"

	"enx-ticketing/internal/utils"
)

// TokenVerifier turns a raw bearer token into a Principal.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (Principal, error)
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's Principal in the request context.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil {
				utils.WriteError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
				return
			}

			principal, err := verifier.Verify(r.Context(), rawToken)
			if err != nil {
				utils.WriteError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireRole lets the request through only when the caller holds one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				utils.WriteError(w, http.StatusUnauthorized, "unauthenticated", "missing principal")
				return
			}
			for _, role := range roles {
				if p.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			utils.WriteError(w, http.StatusForbidden, "forbidden", "insufficient role")
		})
	}
}

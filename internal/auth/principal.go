package auth

import "context"

const (
	RoleAdmin   = "admin"
	RoleScanner = "scanner"
	RoleService = "service"
)

// Principal is the authenticated caller: a user id plus the roles granted by
// the identity provider.
type Principal struct {
	UserID string
	Roles  []string
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (p Principal) IsAdmin() bool {
	return p.HasRole(RoleAdmin)
}

type contextKey string

const principalKey contextKey = "principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && p.UserID != ""
}

// UserID is a shortcut for handlers that only need the subject.
func UserID(ctx context.Context) string {
	p, _ := FromContext(ctx)
	return p.UserID
}

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier validates identity-provider tokens against the issuer's JWKS.
// Roles are read from Keycloak's realm_access claim and a flat "roles" claim.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	if issuer == "" {
		return nil, errors.New("oidc issuer not set")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	cfg := &oidc.Config{ClientID: clientID}
	if clientID == "" {
		cfg.SkipClientIDCheck = true
	}
	return &OIDCVerifier{verifier: provider.Verifier(cfg)}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (Principal, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}

	var claims struct {
		Sub         string   `json:"sub"`
		Roles       []string `json:"roles"`
		RealmAccess struct {
			Roles []string `json:"roles"`
		} `json:"realm_access"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Principal{}, fmt.Errorf("failed to parse claims: %w", err)
	}
	if claims.Sub == "" {
		return Principal{}, errors.New("subject claim not found in token")
	}

	roles := append([]string{}, claims.RealmAccess.Roles...)
	roles = append(roles, claims.Roles...)
	return Principal{UserID: claims.Sub, Roles: roles}, nil
}

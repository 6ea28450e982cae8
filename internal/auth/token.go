package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceClaims are carried by HS256 tokens issued to gate scanner devices.
type DeviceClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HMACVerifier validates HS256 device tokens signed with a shared key.
type HMACVerifier struct {
	key    []byte
	issuer string
}

func NewHMACVerifier(key, issuer string) (*HMACVerifier, error) {
	if key == "" {
		return nil, errors.New("hmac key not set")
	}
	return &HMACVerifier{key: []byte(key), issuer: issuer}, nil
}

func (v *HMACVerifier) Verify(_ context.Context, rawToken string) (Principal, error) {
	if rawToken == "" {
		return Principal{}, errors.New("empty token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims DeviceClaims
	_, err := jwt.ParseWithClaims(rawToken, &claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim not found in token")
	}
	return Principal{UserID: claims.Subject, Roles: claims.Roles}, nil
}

// Sign mints a device token for subject. Used by operational tooling and tests.
func (v *HMACVerifier) Sign(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := DeviceClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

// ExtractTokenFromRequest extracts a JWT token from an HTTP request's Authorization header
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("authorization header is missing")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.New("authorization header format must be 'Bearer {token}'")
	}

	return parts[1], nil
}

// Package jwt verifies and mints the HS256 bearer tokens issued by the
// booking backend.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Strob0t/DeskRelay/internal/config"
	"github.com/Strob0t/DeskRelay/internal/domain/identity"
)

// Claims is the token body shared with the booking backend.
type Claims struct {
	UserID       int64  `json:"user_id"`
	Username     string `json:"username,omitempty"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role"`
	DepartmentID *int64 `json:"department_id"`
	jwt.RegisteredClaims
}

// Verifier implements credential.Verifier for HS256 tokens.
type Verifier struct {
	secret func() string
	issuer string
	parser *jwt.Parser
	now    func() time.Time
}

// New creates a Verifier from the auth configuration.
func New(cfg config.Auth) *Verifier {
	secret := cfg.JWTSecret
	return NewWithSecret(cfg, func() string { return secret })
}

// NewWithSecret creates a Verifier that reads the signing secret from
// secret on every call, picking up rotations. cfg.JWTSecret is ignored.
func NewWithSecret(cfg config.Auth, secret func() string) *Verifier {
	v := &Verifier{
		secret: secret,
		issuer: cfg.Issuer,
		now:    time.Now,
	}
	v.parser = v.newParser(cfg.Leeway)
	return v
}

func (v *Verifier) newParser(leeway time.Duration) *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	return jwt.NewParser(opts...)
}

// Verify checks the signature and expiry of token and returns the identity
// it carries.
func (v *Verifier) Verify(_ context.Context, token string) (identity.Identity, error) {
	key := []byte(v.secret())
	if len(key) == 0 {
		return identity.Identity{}, identity.InvalidToken(errors.New("no signing secret configured"))
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return identity.Identity{}, identity.Expired(err)
		}
		return identity.Identity{}, identity.InvalidToken(err)
	}
	if claims.UserID <= 0 {
		return identity.Identity{}, identity.InvalidToken(errors.New("token has no user_id"))
	}

	role := identity.Role(claims.Role)
	if !identity.ValidRoles[role] {
		return identity.Identity{}, identity.InvalidToken(fmt.Errorf("unknown role %q", claims.Role))
	}
	return identity.Identity{
		UserID:       claims.UserID,
		Role:         role,
		DepartmentID: claims.DepartmentID,
	}, nil
}

// Mint signs a token for id valid for ttl. It backs the admin mint-token
// command for local testing.
func (v *Verifier) Mint(id identity.Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		UserID:       id.UserID,
		Role:         string(id.Role),
		DepartmentID: id.DepartmentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.secret()))
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

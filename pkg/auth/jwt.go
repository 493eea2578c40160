package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer   = "recordkeeper"
	defaultAudience = "recordkeeper-api"
	defaultLeeway   = 30 * time.Second
)

// JWTConfig configures HS256 bearer token verification.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
	// Revoker is consulted for every token carrying an id. Nil disables revocation.
	Revoker Revoker
}

// JWTAuthorizer accepts HS256 bearer tokens signed with a shared secret.
type JWTAuthorizer struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	revoker  Revoker
}

func NewJWTAuthorizer(cfg JWTConfig) (*JWTAuthorizer, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &JWTAuthorizer{secret: []byte(secret), issuer: issuer, audience: audience, leeway: leeway, revoker: cfg.Revoker}, nil
}

func (a *JWTAuthorizer) Authorize(ctx context.Context, creds Credentials) (Principal, error) {
	if creds.BearerToken == "" {
		return Principal{}, ErrUnauthenticated
	}
	claims, err := a.parse(creds.BearerToken)
	if err != nil {
		return Principal{}, err
	}
	if a.revoker != nil && claims.ID != "" {
		revoked, err := a.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Principal{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Principal{}, fmt.Errorf("%w: token revoked", ErrUnauthenticated)
		}
	}
	return Principal{Subject: claims.Subject}, nil
}

func (a *JWTAuthorizer) parse(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	)
	if err != nil || !parsed.Valid {
		return jwt.RegisteredClaims{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims.Subject = strings.TrimSpace(claims.Subject)
	if claims.Subject == "" {
		return jwt.RegisteredClaims{}, fmt.Errorf("%w: token subject missing", ErrUnauthenticated)
	}
	return claims, nil
}

// Revoke blocks a still-valid token until its expiry.
func (a *JWTAuthorizer) Revoke(ctx context.Context, token string) error {
	if a.revoker == nil {
		return errors.New("token revocation is not configured")
	}
	claims, err := a.parse(token)
	if err != nil {
		return err
	}
	if claims.ID == "" {
		return fmt.Errorf("%w: token has no id", ErrUnauthenticated)
	}
	ttl := time.Until(claims.ExpiresAt.Time) + a.leeway
	return a.revoker.Revoke(ctx, claims.ID, ttl)
}

// Issue signs a token for subject valid for ttl. Used by operators and tests.
func (a *JWTAuthorizer) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    a.issuer,
		Audience:  jwt.ClaimStrings{a.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
	})
	return token.SignedString(a.secret)
}

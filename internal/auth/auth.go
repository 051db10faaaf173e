// Package auth validates the HS256 service tokens callers present to fitproofd.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Config holds verification parameters.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
}

// Claims represents the payload extracted from a token.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Verifier parses and validates bearer tokens.
type Verifier struct {
	cfg Config
	now func() time.Time
}

// NewVerifier creates a verifier for cfg.
func NewVerifier(cfg Config) *Verifier {
	return &Verifier{cfg: cfg, now: time.Now}
}

// Parse validates token and returns normalized claims.
func (v *Verifier) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errordefs.New(errordefs.FP_AUTHN, "missing bearer token", "")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.cfg.Secret), nil
	},
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, errordefs.New(errordefs.FP_JWT_EXPIRED, "JWT token expired", "")
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, errordefs.New(errordefs.FP_JWT_INVALID, "invalid JWT issuer", "")
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, errordefs.New(errordefs.FP_JWT_INVALID, "invalid JWT audience", "")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errordefs.New(errordefs.FP_JWT_INVALID, "invalid JWT signature", "")
		default:
			return nil, errordefs.Wrap(errordefs.FP_JWT_INVALID, "failed to validate JWT", err)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, errordefs.New(errordefs.FP_JWT_INVALID, "invalid JWT claims", "")
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, errordefs.New(errordefs.FP_JWT_INVALID, "missing or invalid sub claim", "")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, errordefs.New(errordefs.FP_JWT_INVALID, "missing or invalid exp claim", "")
	}

	return &Claims{Subject: subject, ExpiresAt: exp.Time}, nil
}

// ParseHeader extracts and validates the token from an Authorization header value.
func (v *Verifier) ParseHeader(header string) (*Claims, error) {
	if header == "" {
		return nil, errordefs.New(errordefs.FP_AUTHN, "missing Authorization header", "")
	}
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return nil, errordefs.New(errordefs.FP_AUTHN, "invalid Authorization header format", "")
	}
	return v.Parse(header[len("Bearer "):])
}

// Sign mints a token for subject. It is used by operators and tests.
func Sign(cfg Config, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    cfg.Issuer,
		Audience:  jwt.ClaimStrings{cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	s, err := tok.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

type contextKey string

const claimsKey contextKey = "fitproof-auth-claims"

// WithClaims stores claims on the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// FromContext retrieves claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

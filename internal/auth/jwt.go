// Package auth authenticates API callers with a static API key or with JWTs
// verified against a remote JWKS.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for a missing or invalid credential.
var ErrUnauthorized = errors.New("unauthorized")

// Principal identifies an authenticated caller.
type Principal struct {
	Subject string
	Method  string
}

// Authenticator validates a bearer credential.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// APIKey accepts exactly one shared key.
type APIKey struct {
	key []byte
}

// NewAPIKey returns an authenticator for key. An empty key is rejected.
func NewAPIKey(key string) (*APIKey, error) {
	if key == "" {
		return nil, errors.New("api key must not be empty")
	}
	return &APIKey{key: []byte(key)}, nil
}

func (a *APIKey) Authenticate(_ context.Context, token string) (Principal, error) {
	if token == "" || subtle.ConstantTimeCompare([]byte(token), a.key) != 1 {
		return Principal{}, ErrUnauthorized
	}
	return Principal{Subject: "api-key", Method: "bearer"}, nil
}

// Claims represents the JWT claims accepted by the server.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator validates JWTs using a remote JWKS endpoint.
type JWTValidator struct {
	keyfunc  jwt.Keyfunc
	audience string
	issuer   string
}

// NewJWTValidator creates a validator that fetches and caches keys from
// the JWKS endpoint. Empty audience or issuer skips that check.
func NewJWTValidator(ctx context.Context, jwksURL, audience, issuer string) (*JWTValidator, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}
	return NewJWTValidatorWithKeyfunc(k.Keyfunc, audience, issuer), nil
}

// NewJWTValidatorWithKeyfunc builds a validator around an existing key lookup.
func NewJWTValidatorWithKeyfunc(kf jwt.Keyfunc, audience, issuer string) *JWTValidator {
	return &JWTValidator{keyfunc: kf, audience: audience, issuer: issuer}
}

// Validate validates a JWT token and returns the claims if valid.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (v *JWTValidator) Authenticate(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	claims, err := v.Validate(token)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return Principal{Subject: claims.Subject, Method: "jwt"}, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the token query parameter when allowQuery is set.
func TokenFromRequest(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

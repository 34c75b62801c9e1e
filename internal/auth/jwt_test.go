package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-signing-key")

func hmacKeyfunc(t *jwt.Token) (any, error) {
	return secret, nil
}

func sign(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestAPIKey(t *testing.T) {
	_, err := NewAPIKey("")
	assert.Error(t, err)

	a, err := NewAPIKey("s3cret")
	require.NoError(t, err)
	p, err := a.Authenticate(context.Background(), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "bearer", p.Method)

	for _, bad := range []string{"", "s3cre", "s3cret!", "S3CRET"} {
		_, err := a.Authenticate(context.Background(), bad)
		assert.ErrorIs(t, err, ErrUnauthorized, bad)
	}
}

func TestJWTValidator(t *testing.T) {
	v := NewJWTValidatorWithKeyfunc(hmacKeyfunc, "claude-code-server", "issuer-1")
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name   string
		claims jwt.RegisteredClaims
		ok     bool
	}{
		{"valid", jwt.RegisteredClaims{Subject: "user-1", Audience: jwt.ClaimStrings{"claude-code-server"}, Issuer: "issuer-1", ExpiresAt: future}, true},
		{"expired", jwt.RegisteredClaims{Subject: "user-1", Audience: jwt.ClaimStrings{"claude-code-server"}, Issuer: "issuer-1", ExpiresAt: past}, false},
		{"no expiry", jwt.RegisteredClaims{Subject: "user-1", Audience: jwt.ClaimStrings{"claude-code-server"}, Issuer: "issuer-1"}, false},
		{"wrong audience", jwt.RegisteredClaims{Subject: "user-1", Audience: jwt.ClaimStrings{"other"}, Issuer: "issuer-1", ExpiresAt: future}, false},
		{"wrong issuer", jwt.RegisteredClaims{Subject: "user-1", Audience: jwt.ClaimStrings{"claude-code-server"}, Issuer: "evil", ExpiresAt: future}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := v.Authenticate(context.Background(), sign(t, tt.claims))
			if !tt.ok {
				assert.ErrorIs(t, err, ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, Principal{Subject: "user-1", Method: "jwt"}, p)
		})
	}

	_, err := v.Authenticate(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/tasks/t1?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r, true))
	assert.Empty(t, TokenFromRequest(r, false))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r, true))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, TokenFromRequest(r, true))
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	assert.False(t, ok)
	ctx := WithPrincipal(context.Background(), Principal{Subject: "s"})
	p, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "s", p.Subject)
}

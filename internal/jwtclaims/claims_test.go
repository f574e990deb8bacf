package jwtclaims_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-proxy/internal/jwtclaims"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-verified"))
	require.NoError(t, err)
	return s
}

func TestParse(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)
	token := signed(t, jwtclaims.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email:      "ada@example.com",
		SessionID:  "sess-1",
		ExternalID: "ext-1",
	})

	claims, err := jwtclaims.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "ada@example.com", claims.Email)
	require.Equal(t, "sess-1", claims.SessionID)
	require.Equal(t, "ext-1", claims.ExternalID)
	require.Equal(t, exp.Unix(), claims.ExpiresAt.Unix())
}

func TestExpiresAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("uses exp claim", func(t *testing.T) {
		exp := now.Add(time.Hour)
		token := signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)})
		require.Equal(t, exp.Unix(), jwtclaims.ExpiresAt(token, now).Unix())
		require.Equal(t, time.Hour, jwtclaims.TimeUntilExpiry(token, now))
	})

	t.Run("defaults without exp", func(t *testing.T) {
		token := signed(t, jwt.RegisteredClaims{Subject: "x"})
		require.Equal(t, now.Add(15*time.Minute), jwtclaims.ExpiresAt(token, now))
		require.Zero(t, jwtclaims.TimeUntilExpiry(token, now))
	})

	t.Run("defaults for garbage", func(t *testing.T) {
		require.Equal(t, now.Add(15*time.Minute), jwtclaims.ExpiresAt("opaque-token", now))
		require.Empty(t, jwtclaims.ParseOrEmpty("opaque-token").Subject)
	})
}

func TestShape(t *testing.T) {
	token := signed(t, jwt.RegisteredClaims{Subject: "x"})
	require.True(t, jwtclaims.HasJWTShape(token))
	require.True(t, jwtclaims.LooksLikeJWT(token))
	require.False(t, jwtclaims.LooksLikeJWT("abc.def.ghi"))
	require.True(t, jwtclaims.HasJWTShape("abc.def.ghi"))
	require.False(t, jwtclaims.HasJWTShape("abc.def"))
	require.False(t, jwtclaims.LooksLikeJWT("Zk3x9-plain-code"))
}

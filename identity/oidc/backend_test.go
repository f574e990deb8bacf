package oidc_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-proxy/identity"
	"github.com/jrsteele09/go-auth-proxy/identity/oidc"
	"github.com/stretchr/testify/require"
)

const (
	testClientID     = "desktop-client"
	testSubject      = "user-9"
	testEmail        = "grace@example.com"
	testName         = "Grace Hopper"
	validAccessToken = "valid-access-token"
	validRefresh     = "valid-refresh-token"
)

type testFixture struct {
	server      *httptest.Server
	key         *rsa.PrivateKey
	backend     *oidc.Backend
	withIDToken bool
}

func setupTestFixture(t *testing.T, withIDToken bool) *testFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &testFixture{key: key, withIDToken: withIDToken}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", f.token(t))
	mux.HandleFunc("GET /userinfo", f.userinfo)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	provider, err := (&gooidc.ProviderConfig{
		IssuerURL:   f.server.URL,
		AuthURL:     f.server.URL + "/auth",
		TokenURL:    f.server.URL + "/token",
		UserInfoURL: f.server.URL + "/userinfo",
		JWKSURL:     f.server.URL + "/jwks",
		Algorithms:  []string{"RS256"},
	}).NewProvider(context.Background())
	require.NoError(t, err)

	keys := &gooidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	f.backend = oidc.New(provider, oidc.Config{ClientID: testClientID, ClientSecret: "s3cret"},
		oidc.WithKeySet(f.server.URL, testClientID, keys))
	return f
}

func (f *testFixture) token(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != validRefresh {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token expired"}`))
			return
		}
		resp := map[string]any{
			"access_token":  validAccessToken,
			"token_type":    "Bearer",
			"refresh_token": "rotated-refresh-token",
			"expires_in":    900,
		}
		if f.withIDToken {
			idToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
				"iss":   f.server.URL,
				"aud":   testClientID,
				"sub":   testSubject,
				"email": testEmail,
				"name":  testName,
				"iat":   time.Now().Unix(),
				"exp":   time.Now().Add(time.Hour).Unix(),
			}).SignedString(f.key)
			require.NoError(t, err)
			resp["id_token"] = idToken
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (f *testFixture) userinfo(w http.ResponseWriter, r *http.Request) {
	if strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") != validAccessToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sub":            testSubject,
		"email":          testEmail,
		"email_verified": true,
		"name":           testName,
	})
}

func TestCurrentUser(t *testing.T) {
	f := setupTestFixture(t, false)
	ctx := context.Background()

	u, err := f.backend.CurrentUser(ctx, validAccessToken)
	require.NoError(t, err)
	require.Equal(t, testSubject, u.ID)
	require.Equal(t, testEmail, u.Email)
	require.True(t, u.EmailVerified)

	p, err := f.backend.Profile(ctx, testSubject)
	require.NoError(t, err)
	require.Equal(t, testName, p.Name)

	_, err = f.backend.CurrentUser(ctx, "stolen")
	require.ErrorIs(t, err, identity.ErrInvalidToken)

	_, err = f.backend.Profile(ctx, "unknown")
	require.ErrorIs(t, err, identity.ErrProfileNotFound)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("id token supplies the user", func(t *testing.T) {
		f := setupTestFixture(t, true)
		s, err := f.backend.Refresh(ctx, validRefresh)
		require.NoError(t, err)
		require.Equal(t, validAccessToken, s.AccessToken)
		require.Equal(t, "rotated-refresh-token", s.RefreshToken)
		require.Equal(t, testSubject, s.User.ID)
		require.Equal(t, testEmail, s.User.Email)
		require.WithinDuration(t, time.Now().Add(15*time.Minute), s.ExpiresAt, time.Minute)

		p, err := f.backend.Profile(ctx, testSubject)
		require.NoError(t, err)
		require.Equal(t, testName, p.Name)
	})

	t.Run("userinfo fallback", func(t *testing.T) {
		f := setupTestFixture(t, false)
		s, err := f.backend.Refresh(ctx, validRefresh)
		require.NoError(t, err)
		require.Equal(t, testSubject, s.User.ID)
	})

	t.Run("rejected grant maps to status error", func(t *testing.T) {
		f := setupTestFixture(t, false)
		_, err := f.backend.Refresh(ctx, "expired")
		var se *identity.StatusError
		require.ErrorAs(t, err, &se)
		require.Equal(t, http.StatusBadRequest, se.StatusCode)
		require.Equal(t, "refresh token expired", se.Message)
		require.True(t, se.Rejected())
	})

	t.Run("provider down", func(t *testing.T) {
		f := setupTestFixture(t, false)
		f.server.Close()
		_, err := f.backend.Refresh(ctx, validRefresh)
		require.True(t, identity.IsTransport(err))
	})
}

package insforge_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/jrsteele09/go-auth-proxy/identity"
	"github.com/jrsteele09/go-auth-proxy/identity/fakebackend"
	"github.com/jrsteele09/go-auth-proxy/identity/insforge"
	"github.com/stretchr/testify/require"
)

type testFixture struct {
	backend *fakebackend.Backend
	server  *httptest.Server
	client  *insforge.Client
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	b := fakebackend.New()
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return &testFixture{
		backend: b,
		server:  srv,
		client:  insforge.New(srv.URL+"/", "service-key", insforge.WithHTTPClient(srv.Client())),
	}
}

func TestCurrentUser(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	u := f.backend.AddUser("ada@example.com", "Ada")
	s := f.backend.IssueSession(u.ID)

	t.Run("valid token", func(t *testing.T) {
		got, err := f.client.CurrentUser(ctx, s.AccessToken)
		require.NoError(t, err)
		require.Equal(t, u.ID, got.ID)
		require.Equal(t, "ada@example.com", got.Email)
	})

	t.Run("rejected token", func(t *testing.T) {
		_, err := f.client.CurrentUser(ctx, "bogus")
		require.ErrorIs(t, err, identity.ErrInvalidToken)
		require.Equal(t, http.StatusUnauthorized, identity.StatusCode(err))
	})
}

func TestProfile(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	u := f.backend.AddUser("ada@example.com", "Ada")
	s := f.backend.IssueSession(u.ID)

	p, err := f.client.Profile(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "Ada", p.Name)

	p, err = f.client.ProfileAs(ctx, s.AccessToken, u.ID)
	require.NoError(t, err)
	require.Equal(t, "Ada", p.Name)

	_, err = f.client.Profile(ctx, "nobody")
	require.ErrorIs(t, err, identity.ErrProfileNotFound)

	_, err = f.client.Profile(ctx, "")
	require.ErrorIs(t, err, identity.ErrProfileNotFound)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("rotates tokens", func(t *testing.T) {
		f := setupTestFixture(t)
		u := f.backend.AddUser("ada@example.com", "Ada")
		s := f.backend.IssueSession(u.ID)

		next, err := f.client.Refresh(ctx, s.RefreshToken)
		require.NoError(t, err)
		require.NotEqual(t, s.AccessToken, next.AccessToken)
		require.NotEqual(t, s.RefreshToken, next.RefreshToken)
		require.Equal(t, u.ID, next.User.ID)
	})

	t.Run("rejected refresh token", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.client.Refresh(ctx, "rt-unknown")
		var se *identity.StatusError
		require.ErrorAs(t, err, &se)
		require.Equal(t, http.StatusUnauthorized, se.StatusCode)
		require.Equal(t, "Invalid refresh token", se.Message)
		require.NotEmpty(t, se.RequestID)
	})

	t.Run("sends client_type desktop", func(t *testing.T) {
		var gotQuery url.Values
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.Query()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"accessToken":"at"}`))
		}))
		defer srv.Close()

		_, err := insforge.New(srv.URL, "").Refresh(ctx, "rt")
		require.ErrorIs(t, err, identity.ErrMalformedResponse)
		require.Equal(t, "desktop", gotQuery.Get("client_type"))
	})

	t.Run("transport failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		_, err := insforge.New(srv.URL, "").Refresh(ctx, "rt")
		require.True(t, identity.IsTransport(err))
	})
}

func TestErrorMessageShapes(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		body string
		want string
	}{
		{"message", `{"message":"Token expired"}`, "Token expired"},
		{"error string", `{"error":"invalid_grant"}`, "invalid_grant"},
		{"nested error", `{"error":{"message":"nested"}}`, "nested"},
		{"not json", `<html>bad gateway</html>`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := insforge.New(srv.URL, "").Refresh(ctx, "rt")
			var se *identity.StatusError
			require.True(t, errors.As(err, &se))
			require.Equal(t, http.StatusBadGateway, se.StatusCode)
			require.Equal(t, tt.want, se.Message)
		})
	}
}

func TestRecords(t *testing.T) {
	ctx := context.Background()
	var (
		gotMethod string
		gotPrefer string
		gotAuth   string
		gotQuery  url.Values
		gotBody   []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPrefer = r.Header.Get("Prefer")
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query()
		require.Equal(t, "/api/database/records/auth_codes", r.URL.Path)
		if r.Method == http.MethodPost {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"code_hash":"h1"}]`))
	}))
	defer srv.Close()
	c := insforge.New(srv.URL, "service-key")

	var rows []map[string]string
	require.NoError(t, c.QueryRecords(ctx, "auth_codes", url.Values{"code_hash": {insforge.Eq("h1")}}, &rows))
	require.Equal(t, http.MethodGet, gotMethod)
	require.Equal(t, "eq.h1", gotQuery.Get("code_hash"))
	require.Equal(t, "Bearer service-key", gotAuth)
	require.Len(t, rows, 1)

	require.NoError(t, c.InsertRecords(ctx, "auth_codes", []map[string]string{{"code_hash": "h2"}}, true))
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "resolution=merge-duplicates,return=representation", gotPrefer)
	require.Equal(t, "h2", gotBody[0]["code_hash"])

	rows = nil
	require.NoError(t, c.UpdateRecords(ctx, "auth_codes", url.Values{"used_at": {insforge.IsNull}}, map[string]string{"used_at": "now"}, &rows))
	require.Equal(t, http.MethodPatch, gotMethod)
	require.Equal(t, "is.null", gotQuery.Get("used_at"))
	require.Equal(t, "return=representation", gotPrefer)
	require.Len(t, rows, 1)

	require.NoError(t, c.DeleteRecords(ctx, "auth_codes", url.Values{"code_hash": {insforge.Eq("h1")}}, nil))
	require.Equal(t, http.MethodDelete, gotMethod)
}

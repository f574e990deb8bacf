package proxy_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-proxy/authflow"
	"github.com/jrsteele09/go-auth-proxy/identity"
	"github.com/jrsteele09/go-auth-proxy/identity/fakebackend"
	apperrors "github.com/jrsteele09/go-auth-proxy/internal/errors"
	"github.com/jrsteele09/go-auth-proxy/internal/instrumentation"
	"github.com/jrsteele09/go-auth-proxy/pkce"
	"github.com/jrsteele09/go-auth-proxy/proxy"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const (
	testLoginURL    = "https://app.example.com/login.html"
	testState       = "abc123"
	testRedirectURI = "https://ext/callback"
	testVerifier    = "verifier1"
	testEmail       = "jane@example.com"
	testName        = "Jane Doe"
)

type testFixture struct {
	now     time.Time
	repo    *authflow.InMemoryRepo
	backend *fakebackend.Backend
	service *proxy.Service
	user    *identity.User
	session *identity.Session
}

func setupTestFixture(t *testing.T, options ...proxy.ServiceOption) *testFixture {
	t.Helper()
	f := &testFixture{
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		repo:    authflow.NewInMemoryRepo(),
		backend: fakebackend.New(),
	}
	clock := func() time.Time { return f.now }
	f.backend.NowTime = clock
	f.user = f.backend.AddUser(testEmail, testName)
	f.session = f.backend.IssueSession(f.user.ID)

	options = append([]proxy.ServiceOption{proxy.WithNowTime(clock)}, options...)
	svc, err := proxy.NewService(f.repo, f.backend, testLoginURL, options...)
	require.NoError(t, err)
	f.service = svc
	return f
}

func (f *testFixture) authorize(t *testing.T) {
	t.Helper()
	redirect, err := f.service.Authorize(context.Background(), proxy.AuthorizeRequest{
		RedirectURI:   testRedirectURI,
		State:         testState,
		CodeChallenge: pkce.GenerateCodeChallenge(testVerifier),
	})
	require.NoError(t, err)
	require.Equal(t, testLoginURL+"?state="+testState, redirect)
}

// submit runs SubmitCode and returns the code from the client redirect.
func (f *testFixture) submit(t *testing.T) string {
	t.Helper()
	redirect, err := f.service.SubmitCode(context.Background(), proxy.SubmitCodeRequest{
		State:        testState,
		AccessToken:  f.session.AccessToken,
		RefreshToken: f.session.RefreshToken,
	})
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	require.Equal(t, "ext", u.Host)
	require.Equal(t, "/callback", u.Path)
	require.Equal(t, testState, u.Query().Get("state"))
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (f *testFixture) exchange(code, verifier, redirectURI string) (*proxy.TokenResult, error) {
	return f.service.ExchangeToken(context.Background(), proxy.TokenRequest{
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
	})
}

func requireProxyError(t *testing.T, err error, code string, status int, message string) {
	t.Helper()
	require.Error(t, err)
	var pe *proxy.Error
	require.True(t, errors.As(err, &pe), "expected *proxy.Error, got %T", err)
	require.Equal(t, code, pe.Code)
	require.Equal(t, status, pe.Status)
	if message != "" {
		require.Equal(t, message, pe.Message)
	}
}

func TestNewService(t *testing.T) {
	repo := authflow.NewInMemoryRepo()
	backend := fakebackend.New()

	_, err := proxy.NewService(nil, backend, testLoginURL)
	require.Error(t, err)
	_, err = proxy.NewService(repo, nil, testLoginURL)
	require.Error(t, err)
	_, err = proxy.NewService(repo, backend, "")
	require.Error(t, err)

	svc, err := proxy.NewService(repo, backend, testLoginURL)
	require.NoError(t, err)
	require.NotNil(t, svc)
}

func TestFullHandoff(t *testing.T) {
	f := setupTestFixture(t)
	f.authorize(t)
	code := f.submit(t)

	result, err := f.exchange(code, testVerifier, testRedirectURI)
	require.NoError(t, err)
	require.Equal(t, f.session.AccessToken, result.AccessToken)
	require.NotNil(t, result.RefreshToken)
	require.Equal(t, f.session.RefreshToken, *result.RefreshToken)
	require.Equal(t, "Bearer", result.TokenType)
	require.Equal(t, "2026-03-01T12:15:00.000Z", result.ExpiresAt)
	require.Equal(t, testEmail, result.UserInfo.Email)
	require.Equal(t, testName, result.UserInfo.Name)
	require.Equal(t, f.user.ID, result.UserInfo.ClineUserID)
	require.Nil(t, result.UserInfo.Subject)

	_, err = f.exchange(code, testVerifier, testRedirectURI)
	requireProxyError(t, err, proxy.CodeCodeUsed, http.StatusBadRequest, "Code already used")
	require.ErrorIs(t, err, apperrors.ErrCodeUsed)

	stored, err := f.repo.GetCode(context.Background(), authflow.HashCode(code))
	require.NoError(t, err)
	require.True(t, stored.Used())
}

func TestConcurrentExchange(t *testing.T) {
	f := setupTestFixture(t)
	f.authorize(t)
	code := f.submit(t)

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		used      int
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.exchange(code, testVerifier, testRedirectURI)
			mu.Lock()
			defer mu.Unlock()
			var pe *proxy.Error
			switch {
			case err == nil:
				successes++
			case errors.As(err, &pe) && pe.Code == proxy.CodeCodeUsed:
				used++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, racers-1, used)
}

func TestAuthorize(t *testing.T) {
	challenge := pkce.GenerateCodeChallenge(testVerifier)
	tests := []struct {
		name    string
		req     proxy.AuthorizeRequest
		message string
	}{
		{name: "missing redirect", req: proxy.AuthorizeRequest{State: testState, CodeChallenge: challenge}, message: "Missing redirect_uri/state/code_challenge"},
		{name: "missing state", req: proxy.AuthorizeRequest{RedirectURI: testRedirectURI, CodeChallenge: challenge}, message: "Missing redirect_uri/state/code_challenge"},
		{name: "missing challenge", req: proxy.AuthorizeRequest{RedirectURI: testRedirectURI, State: testState}, message: "Missing redirect_uri/state/code_challenge"},
		{name: "relative redirect", req: proxy.AuthorizeRequest{RedirectURI: "/callback", State: testState, CodeChallenge: challenge}, message: "Invalid redirect_uri"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestFixture(t)
			_, err := f.service.Authorize(context.Background(), tt.req)
			requireProxyError(t, err, proxy.CodeInvalidRequest, http.StatusBadRequest, tt.message)
			requests, _ := f.repo.Len()
			require.Zero(t, requests)
		})
	}

	t.Run("same state overwrites", func(t *testing.T) {
		f := setupTestFixture(t)
		f.authorize(t)
		_, err := f.service.Authorize(context.Background(), proxy.AuthorizeRequest{
			RedirectURI:   "https://other/callback",
			State:         testState,
			CodeChallenge: "other",
		})
		require.NoError(t, err)

		req, err := f.repo.GetRequest(context.Background(), testState)
		require.NoError(t, err)
		require.Equal(t, "https://other/callback", req.RedirectURI)
		require.Equal(t, f.now.Add(proxy.DefaultRequestTTL), req.ExpiresAt)
	})

	t.Run("private-use scheme redirect", func(t *testing.T) {
		const appRedirect = "com.example.app:/oauth"
		f := setupTestFixture(t)
		_, err := f.service.Authorize(context.Background(), proxy.AuthorizeRequest{
			RedirectURI:   appRedirect,
			State:         testState,
			CodeChallenge: pkce.GenerateCodeChallenge(testVerifier),
		})
		require.NoError(t, err)

		redirect, err := f.service.SubmitCode(context.Background(), proxy.SubmitCodeRequest{
			State:       testState,
			AccessToken: f.session.AccessToken,
		})
		require.NoError(t, err)
		u, err := url.Parse(redirect)
		require.NoError(t, err)
		require.Equal(t, "com.example.app", u.Scheme)
		require.Equal(t, "/oauth", u.Path)

		result, err := f.exchange(u.Query().Get("code"), testVerifier, appRedirect)
		require.NoError(t, err)
		require.Equal(t, f.session.AccessToken, result.AccessToken)
	})

	t.Run("login url with query", func(t *testing.T) {
		repo := authflow.NewInMemoryRepo()
		svc, err := proxy.NewService(repo, fakebackend.New(), testLoginURL+"?theme=dark")
		require.NoError(t, err)
		redirect, err := svc.Authorize(context.Background(), proxy.AuthorizeRequest{RedirectURI: testRedirectURI, State: "s 1", CodeChallenge: "c"})
		require.NoError(t, err)
		require.Equal(t, testLoginURL+"?state=s+1&theme=dark", redirect)
	})
}

func TestSubmitCode(t *testing.T) {
	t.Run("missing fields", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.service.SubmitCode(context.Background(), proxy.SubmitCodeRequest{State: testState})
		requireProxyError(t, err, proxy.CodeInvalidRequest, http.StatusBadRequest, "Missing state or accessToken")
	})

	t.Run("unknown state", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.service.SubmitCode(context.Background(), proxy.SubmitCodeRequest{State: "nope", AccessToken: f.session.AccessToken})
		requireProxyError(t, err, proxy.CodeInvalidState, http.StatusBadRequest, "Invalid or expired state")
	})

	t.Run("state expired", func(t *testing.T) {
		f := setupTestFixture(t)
		f.authorize(t)
		f.now = f.now.Add(proxy.DefaultRequestTTL + time.Second)
		_, err := f.service.SubmitCode(context.Background(), proxy.SubmitCodeRequest{State: testState, AccessToken: f.session.AccessToken})
		requireProxyError(t, err, proxy.CodeInvalidState, http.StatusBadRequest, "State expired")
		require.ErrorIs(t, err, apperrors.ErrStateExpired)
	})

	t.Run("invalid access token", func(t *testing.T) {
		f := setupTestFixture(t)
		f.authorize(t)
		_, err := f.service.SubmitCode(context.Background(), proxy.SubmitCodeRequest{State: testState, AccessToken: "forged"})
		requireProxyError(t, err, proxy.CodeInvalidToken, http.StatusUnauthorized, "Invalid access token")
		_, codes := f.repo.Len()
		require.Zero(t, codes)
	})

	t.Run("stores only the hash", func(t *testing.T) {
		f := setupTestFixture(t, proxy.WithCodeGenerator(func() (string, error) { return "fixed-code", nil }))
		f.authorize(t)
		code := f.submit(t)
		require.Equal(t, "fixed-code", code)

		_, err := f.repo.GetCode(context.Background(), "fixed-code")
		require.ErrorIs(t, err, authflow.ErrNotFound)
		stored, err := f.repo.GetCode(context.Background(), authflow.HashCode("fixed-code"))
		require.NoError(t, err)
		require.Equal(t, f.user.ID, stored.UserID)
		require.Equal(t, f.now.Add(proxy.DefaultCodeTTL), stored.ExpiresAt)
	})

	t.Run("without refresh token", func(t *testing.T) {
		f := setupTestFixture(t)
		f.authorize(t)
		_, err := f.service.SubmitCode(context.Background(), proxy.SubmitCodeRequest{State: testState, AccessToken: f.session.AccessToken})
		require.NoError(t, err)
	})

	t.Run("code generator failure", func(t *testing.T) {
		f := setupTestFixture(t, proxy.WithCodeGenerator(func() (string, error) { return "", errors.New("no entropy") }))
		f.authorize(t)
		_, err := f.service.SubmitCode(context.Background(), proxy.SubmitCodeRequest{State: testState, AccessToken: f.session.AccessToken})
		requireProxyError(t, err, proxy.CodeStorageError, http.StatusInternalServerError, "")
	})
}

func TestExchangeToken(t *testing.T) {
	t.Run("missing fields", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.exchange("code", "", testRedirectURI)
		requireProxyError(t, err, proxy.CodeInvalidRequest, http.StatusBadRequest, "Missing code/code_verifier/redirect_uri")
	})

	t.Run("unknown code", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.exchange("never-issued", testVerifier, testRedirectURI)
		requireProxyError(t, err, proxy.CodeInvalidCode, http.StatusBadRequest, "Invalid code")
	})

	t.Run("pkce failure leaves code usable", func(t *testing.T) {
		f := setupTestFixture(t)
		f.authorize(t)
		code := f.submit(t)

		_, err := f.exchange(code, "verifier2", testRedirectURI)
		requireProxyError(t, err, proxy.CodePKCEFailed, http.StatusBadRequest, "PKCE verification failed")

		_, err = f.exchange(code, testVerifier, testRedirectURI)
		require.NoError(t, err)
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		f := setupTestFixture(t)
		f.authorize(t)
		code := f.submit(t)

		_, err := f.exchange(code, testVerifier, "https://evil/callback")
		requireProxyError(t, err, proxy.CodeRedirectURIMismatch, http.StatusBadRequest, "redirect_uri mismatch")
	})

	t.Run("code expired", func(t *testing.T) {
		f := setupTestFixture(t)
		f.authorize(t)
		code := f.submit(t)
		f.now = f.now.Add(proxy.DefaultCodeTTL + time.Second)

		_, err := f.exchange(code, testVerifier, testRedirectURI)
		requireProxyError(t, err, proxy.CodeCodeExpired, http.StatusBadRequest, "Code expired")
	})

	t.Run("used check precedes expiry", func(t *testing.T) {
		f := setupTestFixture(t)
		f.authorize(t)
		code := f.submit(t)
		_, err := f.exchange(code, testVerifier, testRedirectURI)
		require.NoError(t, err)
		f.now = f.now.Add(time.Hour)

		_, err = f.exchange(code, testVerifier, testRedirectURI)
		requireProxyError(t, err, proxy.CodeCodeUsed, http.StatusBadRequest, "Code already used")
	})

	t.Run("request gone", func(t *testing.T) {
		f := setupTestFixture(t)
		f.authorize(t)
		_, err := f.repo.DeleteExpired(context.Background(), f.now.Add(proxy.DefaultRequestTTL+time.Second))
		require.NoError(t, err)
		require.NoError(t, f.repo.InsertCode(context.Background(), &authflow.AuthorizationCode{
			CodeHash:    authflow.HashCode("orphan"),
			UserID:      f.user.ID,
			State:       testState,
			AccessToken: f.session.AccessToken,
			ExpiresAt:   f.now.Add(time.Minute),
		}))

		_, err = f.exchange("orphan", testVerifier, testRedirectURI)
		requireProxyError(t, err, proxy.CodeInvalidRequest, http.StatusBadRequest, "Invalid auth request")
	})

	t.Run("user lookup failure is not fatal", func(t *testing.T) {
		f := setupTestFixture(t)
		f.authorize(t)
		require.NoError(t, f.repo.InsertCode(context.Background(), &authflow.AuthorizationCode{
			CodeHash:    authflow.HashCode("stale-token"),
			UserID:      f.user.ID,
			State:       testState,
			AccessToken: "revoked-token",
			ExpiresAt:   f.now.Add(time.Minute),
		}))

		result, err := f.exchange("stale-token", testVerifier, testRedirectURI)
		require.NoError(t, err)
		require.Equal(t, f.user.ID, result.UserInfo.ClineUserID)
		require.Empty(t, result.UserInfo.Email)
		require.Nil(t, result.RefreshToken)
		require.Equal(t, "2026-03-01T12:15:00.000Z", result.ExpiresAt)
	})
}

func TestRefresh(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.service.Refresh(context.Background(), proxy.RefreshRequest{})
		requireProxyError(t, err, proxy.CodeInvalidRequest, http.StatusBadRequest, "Missing refreshToken")
	})

	t.Run("rotates session", func(t *testing.T) {
		f := setupTestFixture(t)
		f.now = f.now.Add(5 * time.Minute)
		result, err := f.service.Refresh(context.Background(), proxy.RefreshRequest{RefreshToken: f.session.RefreshToken})
		require.NoError(t, err)
		require.NotEqual(t, f.session.AccessToken, result.AccessToken)
		require.NotNil(t, result.RefreshToken)
		require.NotEqual(t, f.session.RefreshToken, *result.RefreshToken)
		require.Equal(t, "Bearer", result.TokenType)
		require.Equal(t, "2026-03-01T12:20:00.000Z", result.ExpiresAt)
		require.Equal(t, testEmail, result.UserInfo.Email)
		require.Equal(t, testName, result.UserInfo.Name)
		require.Equal(t, f.user.ID, result.UserInfo.ClineUserID)
	})

	t.Run("rejected token", func(t *testing.T) {
		f := setupTestFixture(t)
		f.backend.RevokeRefreshToken(f.session.RefreshToken)
		_, err := f.service.Refresh(context.Background(), proxy.RefreshRequest{RefreshToken: f.session.RefreshToken})
		requireProxyError(t, err, proxy.CodeRefreshFailed, http.StatusUnauthorized, "Invalid refresh token")
		require.ErrorIs(t, err, apperrors.ErrInvalidRefreshToken)
	})

	t.Run("backend error status", func(t *testing.T) {
		f := setupTestFixture(t)
		f.backend.FailRefreshWith(http.StatusServiceUnavailable)
		_, err := f.service.Refresh(context.Background(), proxy.RefreshRequest{RefreshToken: f.session.RefreshToken})
		requireProxyError(t, err, proxy.CodeRefreshFailed, http.StatusUnauthorized, "Service Unavailable")
	})

	t.Run("backend unreachable", func(t *testing.T) {
		svc, err := proxy.NewService(authflow.NewInMemoryRepo(), downBackend{}, testLoginURL)
		require.NoError(t, err)
		_, err = svc.Refresh(context.Background(), proxy.RefreshRequest{RefreshToken: "rt"})
		requireProxyError(t, err, proxy.CodeUpstreamUnavailable, http.StatusBadGateway, "")
	})
}

func TestWhoAmI(t *testing.T) {
	f := setupTestFixture(t)

	me, err := f.service.WhoAmI(context.Background(), f.session.AccessToken)
	require.NoError(t, err)
	require.Equal(t, f.user.ID, me.ID)
	require.Equal(t, testEmail, me.Email)
	require.Equal(t, testName, me.DisplayName)
	require.Equal(t, f.user.CreatedAt, me.CreatedAt)
	require.NotNil(t, me.Organizations)
	require.Empty(t, me.Organizations)

	_, err = f.service.WhoAmI(context.Background(), "")
	requireProxyError(t, err, proxy.CodeInvalidToken, http.StatusUnauthorized, "Missing access token")

	_, err = f.service.WhoAmI(context.Background(), "forged")
	requireProxyError(t, err, proxy.CodeInvalidToken, http.StatusUnauthorized, "Invalid token")

	t.Run("unnamed profile falls back to email", func(t *testing.T) {
		u := f.backend.AddUser("anon@example.com", "")
		s := f.backend.IssueSession(u.ID)
		me, err := f.service.WhoAmI(context.Background(), s.AccessToken)
		require.NoError(t, err)
		require.Equal(t, "anon@example.com", me.DisplayName)
	})

	t.Run("backend unreachable", func(t *testing.T) {
		svc, err := proxy.NewService(authflow.NewInMemoryRepo(), downBackend{}, testLoginURL)
		require.NoError(t, err)
		_, err = svc.WhoAmI(context.Background(), "token")
		requireProxyError(t, err, proxy.CodeUpstreamUnavailable, http.StatusBadGateway, "")
	})
}

func TestStorageFailure(t *testing.T) {
	svc, err := proxy.NewService(failingRepo{InMemoryRepo: authflow.NewInMemoryRepo()}, fakebackend.New(), testLoginURL)
	require.NoError(t, err)

	_, err = svc.Authorize(context.Background(), proxy.AuthorizeRequest{RedirectURI: testRedirectURI, State: testState, CodeChallenge: "c"})
	requireProxyError(t, err, proxy.CodeStorageError, http.StatusInternalServerError, "Failed to store auth request")
	require.NotContains(t, proxy.AsError(err).Message, "disk full")
}

func TestSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	inst, err := instrumentation.New(instrumentation.Config{
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
	})
	require.NoError(t, err)

	f := setupTestFixture(t, proxy.WithInstrumentation(inst))
	f.authorize(t)
	code := f.submit(t)
	_, err = f.exchange(code, testVerifier, testRedirectURI)
	require.NoError(t, err)
	_, err = f.exchange(code, testVerifier, testRedirectURI)
	require.Error(t, err)

	ended := recorder.Ended()
	require.Len(t, ended, 4)
	require.Equal(t, "proxy.Authorize", ended[0].Name())
	require.Equal(t, "proxy.SubmitCode", ended[1].Name())
	require.Equal(t, "proxy.ExchangeToken", ended[3].Name())
	require.Contains(t, ended[3].Attributes(), attribute.String(instrumentation.AttrOutcome, proxy.CodeCodeUsed))
}

type downBackend struct{}

func (downBackend) CurrentUser(context.Context, string) (*identity.User, error) {
	return nil, &identity.TransportError{Op: "current user", Err: errors.New("connection refused")}
}

func (downBackend) Profile(context.Context, string) (*identity.Profile, error) {
	return nil, &identity.TransportError{Op: "profile", Err: errors.New("connection refused")}
}

func (downBackend) Refresh(context.Context, string) (*identity.Session, error) {
	return nil, &identity.TransportError{Op: "refresh", Err: errors.New("connection refused")}
}

type failingRepo struct {
	*authflow.InMemoryRepo
}

func (failingRepo) UpsertRequest(context.Context, *authflow.AuthorizationRequest) error {
	return errors.New("disk full")
}

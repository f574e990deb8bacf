// Package proxy implements the authorization handoff between a desktop
// client, the browser login page and the identity backend.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/jrsteele09/go-auth-proxy/authflow"
	"github.com/jrsteele09/go-auth-proxy/identity"
	apperrors "github.com/jrsteele09/go-auth-proxy/internal/errors"
	"github.com/jrsteele09/go-auth-proxy/internal/instrumentation"
	"github.com/jrsteele09/go-auth-proxy/internal/jwtclaims"
	"github.com/jrsteele09/go-auth-proxy/internal/utils"
	"github.com/jrsteele09/go-auth-proxy/pkce"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultRequestTTL = 10 * time.Minute
	DefaultCodeTTL    = 2 * time.Minute

	codeLength   = 32
	bearerPrefix = "Bearer"
)

// Service runs the authorize, code, token, refresh and whoami operations.
type Service struct {
	repo     authflow.Repo
	backend  identity.Backend
	loginURL string

	requestTTL time.Duration
	codeTTL    time.Duration

	nowTime      func() time.Time
	generateCode func() (string, error)

	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

type ServiceOption func(*Service)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ServiceOption {
	return func(s *Service) {
		s.nowTime = nowFunc
	}
}

// WithCodeGenerator replaces the random one-time code source.
func WithCodeGenerator(gen func() (string, error)) ServiceOption {
	return func(s *Service) {
		s.generateCode = gen
	}
}

// WithTTLs overrides the request and code lifetimes. Zero keeps the default.
func WithTTLs(requestTTL, codeTTL time.Duration) ServiceOption {
	return func(s *Service) {
		if requestTTL > 0 {
			s.requestTTL = requestTTL
		}
		if codeTTL > 0 {
			s.codeTTL = codeTTL
		}
	}
}

func WithInstrumentation(inst *instrumentation.Instrumentation) ServiceOption {
	return func(s *Service) {
		if inst != nil {
			s.metrics = inst.Metrics()
			s.tracer = inst.Tracer("proxy")
		}
	}
}

// NewService wires the flow store and identity backend. loginURL is the
// browser page users are sent to from Authorize.
func NewService(repo authflow.Repo, backend identity.Backend, loginURL string, options ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("[NewService] repo is required")
	}
	if backend == nil {
		return nil, errors.New("[NewService] identity backend is required")
	}
	if _, err := url.Parse(loginURL); err != nil || loginURL == "" {
		return nil, errors.New("[NewService] a valid login URL is required")
	}

	noop := instrumentation.Noop()
	s := &Service{
		repo:         repo,
		backend:      backend,
		loginURL:     loginURL,
		requestTTL:   DefaultRequestTTL,
		codeTTL:      DefaultCodeTTL,
		nowTime:      time.Now,
		generateCode: func() (string, error) { return pkce.RandomString(codeLength) },
		metrics:      noop.Metrics(),
		tracer:       noop.Tracer("proxy"),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Authorize stores the pending request under its state and returns the
// login page URL the browser should be sent to.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "proxy.Authorize")
	defer span.End()

	if req.RedirectURI == "" || req.State == "" || req.CodeChallenge == "" {
		s.metrics.RecordAuthorize(ctx, false)
		return "", s.fail(span, invalidRequest("Missing redirect_uri/state/code_challenge"))
	}
	// private-use schemes such as com.example.app:/oauth carry no host
	if u, err := url.Parse(req.RedirectURI); err != nil || u.Scheme == "" {
		s.metrics.RecordAuthorize(ctx, false)
		return "", s.fail(span, newError(CodeInvalidRequest, http.StatusBadRequest, "Invalid redirect_uri", apperrors.ErrInvalidRedirectURI))
	}

	now := s.nowTime()
	err := s.repo.UpsertRequest(ctx, &authflow.AuthorizationRequest{
		State:         req.State,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.requestTTL),
	})
	if err != nil {
		log.Error().Err(err).Msg("[Service.Authorize] failed to store auth request")
		s.metrics.RecordAuthorize(ctx, false)
		return "", s.fail(span, storageError("Failed to store auth request", err))
	}

	s.metrics.RecordAuthorize(ctx, true)
	instrumentation.SetSpanSuccess(span)
	return withQuery(s.loginURL, url.Values{"state": {req.State}})
}

// SubmitCode validates the access token the login page obtained, mints a
// one-time code and returns the client redirect carrying code and state.
func (s *Service) SubmitCode(ctx context.Context, req SubmitCodeRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "proxy.SubmitCode")
	defer span.End()

	if req.State == "" || req.AccessToken == "" {
		return "", s.fail(span, invalidRequest("Missing state or accessToken"))
	}

	authReq, err := s.repo.GetRequest(ctx, req.State)
	switch {
	case errors.Is(err, authflow.ErrNotFound):
		return "", s.fail(span, newError(CodeInvalidState, http.StatusBadRequest, "Invalid or expired state", apperrors.ErrInvalidState))
	case err != nil:
		log.Error().Err(err).Msg("[Service.SubmitCode] failed to load auth request")
		return "", s.fail(span, storageError("Failed to load auth request", err))
	}
	now := s.nowTime()
	if authReq.Expired(now) {
		return "", s.fail(span, newError(CodeInvalidState, http.StatusBadRequest, "State expired", apperrors.ErrStateExpired))
	}

	user, err := s.backend.CurrentUser(ctx, req.AccessToken)
	if err != nil {
		return "", s.fail(span, s.tokenFailure("Invalid access token", err))
	}
	instrumentation.AddUserAttributes(span, user.ID)

	code, err := s.generateCode()
	if err != nil {
		return "", s.fail(span, storageError("Failed to generate code", err))
	}
	err = s.repo.InsertCode(ctx, &authflow.AuthorizationCode{
		CodeHash:     authflow.HashCode(code),
		UserID:       user.ID,
		State:        req.State,
		AccessToken:  req.AccessToken,
		RefreshToken: utils.PtrOrNil(req.RefreshToken),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.codeTTL),
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("[Service.SubmitCode] failed to store code")
		return "", s.fail(span, storageError("Failed to store code", err))
	}

	s.metrics.RecordCodeIssued(ctx)
	instrumentation.SetSpanSuccess(span)
	return withQuery(authReq.RedirectURI, url.Values{"code": {code}, "state": {req.State}})
}

// ExchangeToken redeems a one-time code. The checks run in a fixed order and
// the consume step succeeds for exactly one caller.
func (s *Service) ExchangeToken(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	ctx, span := s.tracer.Start(ctx, "proxy.ExchangeToken")
	defer span.End()

	result, err := s.exchange(ctx, span, req)
	if err != nil {
		s.metrics.RecordExchange(ctx, AsError(err).Code)
		return nil, s.fail(span, err)
	}
	s.metrics.RecordExchange(ctx, "ok")
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

func (s *Service) exchange(ctx context.Context, span trace.Span, req TokenRequest) (*TokenResult, error) {
	if req.Code == "" || req.CodeVerifier == "" || req.RedirectURI == "" {
		return nil, invalidRequest("Missing code/code_verifier/redirect_uri")
	}

	codeHash := authflow.HashCode(req.Code)
	code, err := s.repo.GetCode(ctx, codeHash)
	switch {
	case errors.Is(err, authflow.ErrNotFound):
		return nil, newError(CodeInvalidCode, http.StatusBadRequest, "Invalid code", apperrors.ErrInvalidAuthorizationCode)
	case err != nil:
		log.Error().Err(err).Msg("[Service.ExchangeToken] failed to load code")
		return nil, storageError("Failed to load code", err)
	}
	now := s.nowTime()
	if code.Used() {
		s.reuseDetected(ctx, code)
		return nil, codeUsed()
	}
	if code.Expired(now) {
		return nil, newError(CodeCodeExpired, http.StatusBadRequest, "Code expired", apperrors.ErrCodeExpired)
	}

	authReq, err := s.repo.GetRequest(ctx, code.State)
	switch {
	case errors.Is(err, authflow.ErrNotFound):
		return nil, invalidRequest("Invalid auth request")
	case err != nil:
		log.Error().Err(err).Msg("[Service.ExchangeToken] failed to load auth request")
		return nil, storageError("Failed to load auth request", err)
	}
	if authReq.RedirectURI != req.RedirectURI {
		return nil, newError(CodeRedirectURIMismatch, http.StatusBadRequest, "redirect_uri mismatch", apperrors.ErrInvalidRedirectURI)
	}
	if !pkce.VerifyCodeChallenge(req.CodeVerifier, authReq.CodeChallenge) {
		s.metrics.RecordPKCEFailure(ctx)
		return nil, newError(CodePKCEFailed, http.StatusBadRequest, "PKCE verification failed", apperrors.ErrInvalidCodeChallenge)
	}

	consumed, err := s.repo.MarkCodeUsed(ctx, codeHash, now)
	switch {
	case errors.Is(err, authflow.ErrNotFound):
		return nil, newError(CodeInvalidCode, http.StatusBadRequest, "Invalid code", apperrors.ErrInvalidAuthorizationCode)
	case err != nil:
		log.Error().Err(err).Msg("[Service.ExchangeToken] failed to mark code used")
		return nil, storageError("Failed to mark code used", err)
	case !consumed:
		s.reuseDetected(ctx, code)
		return nil, codeUsed()
	}
	instrumentation.AddUserAttributes(span, code.UserID)

	// The code was already validated against the backend at mint time, so a
	// failed lookup here falls back to the stored user id.
	userID, email, name := code.UserID, "", ""
	if user, err := s.backend.CurrentUser(ctx, code.AccessToken); err == nil && user != nil {
		userID = utils.FirstNonEmpty(user.ID, userID)
		email = user.Email
		name = identity.DisplayName(ctx, s.backend, user)
	} else if err != nil {
		log.Warn().Err(err).Str("user_id", code.UserID).Msg("[Service.ExchangeToken] user lookup failed after consume")
	}

	return &TokenResult{
		AccessToken:  code.AccessToken,
		RefreshToken: code.RefreshToken,
		TokenType:    bearerPrefix,
		ExpiresAt:    formatExpiry(jwtclaims.ExpiresAt(code.AccessToken, now)),
		UserInfo: TokenUserInfo{
			Email:       email,
			Name:        name,
			ClineUserID: userID,
		},
	}, nil
}

// Refresh forwards a refresh token to the identity backend.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (*TokenResult, error) {
	ctx, span := s.tracer.Start(ctx, "proxy.Refresh")
	defer span.End()

	if req.RefreshToken == "" {
		return nil, s.fail(span, invalidRequest("Missing refreshToken"))
	}

	session, err := s.backend.Refresh(ctx, req.RefreshToken)
	if err != nil {
		s.metrics.RecordRefresh(ctx, false)
		log.Warn().Err(err).Int("status_code", identity.StatusCode(err)).Msg("[Service.Refresh] backend refresh failed")
		if identity.IsTransport(err) {
			return nil, s.fail(span, upstreamUnavailable(err))
		}
		message := "Failed to refresh session"
		if identity.StatusCode(err) != 0 {
			message = utils.FirstNonEmpty(identity.Message(err), message)
		}
		return nil, s.fail(span, newError(CodeRefreshFailed, http.StatusUnauthorized, message, withCause(apperrors.ErrInvalidRefreshToken, err)))
	}

	now := s.nowTime()
	expiresAt := session.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = jwtclaims.ExpiresAt(session.AccessToken, now)
	}

	info := TokenUserInfo{}
	if session.User != nil {
		info.Email = session.User.Email
		info.ClineUserID = session.User.ID
		info.Name = identity.DisplayName(ctx, s.backend, session.User)
		instrumentation.AddUserAttributes(span, session.User.ID)
	}

	s.metrics.RecordRefresh(ctx, true)
	instrumentation.SetSpanSuccess(span)
	return &TokenResult{
		AccessToken:  session.AccessToken,
		RefreshToken: utils.PtrOrNil(session.RefreshToken),
		TokenType:    bearerPrefix,
		ExpiresAt:    formatExpiry(expiresAt),
		UserInfo:     info,
	}, nil
}

// WhoAmI returns the owner of a bearer token as the client expects it.
func (s *Service) WhoAmI(ctx context.Context, accessToken string) (*Me, error) {
	ctx, span := s.tracer.Start(ctx, "proxy.WhoAmI")
	defer span.End()

	if accessToken == "" {
		return nil, s.fail(span, newError(CodeInvalidToken, http.StatusUnauthorized, "Missing access token", apperrors.ErrInvalidToken))
	}
	user, err := s.backend.CurrentUser(ctx, accessToken)
	if err != nil {
		return nil, s.fail(span, s.tokenFailure("Invalid token", err))
	}
	instrumentation.AddUserAttributes(span, user.ID)
	instrumentation.SetSpanSuccess(span)
	return &Me{
		ID:            user.ID,
		Email:         user.Email,
		DisplayName:   identity.DisplayName(ctx, s.backend, user),
		CreatedAt:     user.CreatedAt,
		Organizations: []string{},
	}, nil
}

// tokenFailure maps a CurrentUser error: outages are 502, everything else
// means the token itself was refused.
func (s *Service) tokenFailure(message string, err error) *Error {
	if identity.IsTransport(err) || identity.StatusCode(err) >= http.StatusInternalServerError {
		log.Warn().Err(err).Msg("[Service] identity backend unavailable")
		return upstreamUnavailable(err)
	}
	return newError(CodeInvalidToken, http.StatusUnauthorized, message, withCause(apperrors.ErrInvalidToken, err))
}

func (s *Service) reuseDetected(ctx context.Context, code *authflow.AuthorizationCode) {
	s.metrics.RecordCodeReuse(ctx)
	log.Warn().Str("user_id", code.UserID).Msg("[Service.ExchangeToken] code reuse detected")
}

func (s *Service) fail(span trace.Span, err error) error {
	pe := AsError(err)
	instrumentation.AddOutcomeAttribute(span, pe.Code)
	instrumentation.RecordError(span, err)
	return pe
}

func codeUsed() *Error {
	return newError(CodeCodeUsed, http.StatusBadRequest, "Code already used", apperrors.ErrCodeUsed)
}

// withQuery appends params to base, keeping any query it already carries.
func withQuery(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", newError(CodeInvalidRequest, http.StatusBadRequest, "Invalid redirect_uri", apperrors.ErrInvalidRedirectURI)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

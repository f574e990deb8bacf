// Package client is the desktop side of the authorization handoff: it starts
// flows against the proxy, keeps the resulting credential in a secret store
// and refreshes it before it expires.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-proxy/identity"
	"github.com/jrsteele09/go-auth-proxy/identity/insforge"
	"github.com/jrsteele09/go-auth-proxy/internal/config"
	"github.com/jrsteele09/go-auth-proxy/internal/jwtclaims"
	"github.com/jrsteele09/go-auth-proxy/internal/utils"
	"github.com/jrsteele09/go-auth-proxy/pkce"
	"github.com/jrsteele09/go-auth-proxy/secrets"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const defaultHTTPTimeout = 10 * time.Second

// IdentityAPI is what the provider needs from the identity backend.
type IdentityAPI interface {
	Refresh(ctx context.Context, refreshToken string) (*identity.Session, error)
	ProfileAs(ctx context.Context, accessToken, userID string) (*identity.Profile, error)
}

var _ IdentityAPI = (*insforge.Client)(nil)

// Provider owns one stored credential. It is safe for concurrent use.
type Provider struct {
	store        secrets.Store
	identity     IdentityAPI
	appBaseURL   string
	proxyBaseURL string
	httpClient   *http.Client
	nowTime      func() time.Time
	logger       zerolog.Logger

	// refresh attempts are counted per provider and reset on success
	mu            sync.Mutex
	attempts      int
	lastAttemptAt time.Time
	flight        singleflight.Group
}

type Option func(*Provider)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(p *Provider) {
		p.nowTime = nowFunc
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

func NewProvider(store secrets.Store, identityAPI IdentityAPI, cfg config.ClientConfig, options ...Option) (*Provider, error) {
	if store == nil {
		return nil, errors.New("[NewProvider] secret store is required")
	}
	if identityAPI == nil {
		return nil, errors.New("[NewProvider] identity API is required")
	}
	if cfg.ProxyBaseURL == "" {
		return nil, errors.New("[NewProvider] proxy base URL is required")
	}

	p := &Provider{
		store:        store,
		identity:     identityAPI,
		appBaseURL:   cfg.AppBaseURL,
		proxyBaseURL: strings.TrimRight(cfg.ProxyBaseURL, "/"),
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
		nowTime:      time.Now,
		logger:       log.Logger,
	}
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

// GetAuthRequest builds the hosted login URL for callbackURL.
func (p *Provider) GetAuthRequest(callbackURL string, opts AuthRequestOptions) (string, error) {
	u, err := url.Parse(p.appBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("[Provider.GetAuthRequest] invalid app base URL %q", p.appBaseURL)
	}
	u.Path = "/login"
	q := url.Values{"redirect": {callbackURL}}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.CodeChallenge != "" {
		q.Set("code_challenge", opts.CodeChallenge)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Authorize registers a PKCE flow with the proxy and returns the login page
// the user should open.
func (p *Provider) Authorize(ctx context.Context, callbackURL string, challenge *pkce.Challenge) (string, error) {
	if challenge == nil {
		return "", errors.New("[Provider.Authorize] challenge is required")
	}
	q := url.Values{
		"redirect_uri":   {callbackURL},
		"state":          {challenge.State},
		"code_challenge": {challenge.Challenge},
	}
	body, err := p.proxyCall(ctx, http.MethodGet, "/v1/auth/authorize?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("[Provider.Authorize] %w", err)
	}
	redirect := gjson.GetBytes(body, "redirect_url").String()
	if redirect == "" {
		return "", errors.New("[Provider.Authorize] proxy response has no redirect_url")
	}
	return redirect, nil
}

// SignIn completes a login. A JWT shaped code is the access token itself;
// anything else is a one-time code exchanged with the proxy. The resulting
// credential replaces whatever was stored.
func (p *Provider) SignIn(ctx context.Context, req SignInRequest) (*AuthInfo, error) {
	var (
		info *AuthInfo
		err  error
	)
	if jwtclaims.LooksLikeJWT(req.Code) {
		info = p.directToken(ctx, req.Code, req.RefreshToken)
	} else {
		info, err = p.exchangeCode(ctx, req)
		if err != nil {
			p.logger.Error().Err(err).Msg("[Provider.SignIn] error handling auth callback")
			return nil, err
		}
	}
	if err := p.persist(ctx, info); err != nil {
		return nil, fmt.Errorf("[Provider.SignIn] %w", err)
	}
	return info, nil
}

// SignOut forgets the stored credential.
func (p *Provider) SignOut(ctx context.Context) error {
	raw, ok, err := p.store.Get(ctx, SecretKey)
	if err != nil {
		return fmt.Errorf("[Provider.SignOut] %w", err)
	}
	var stored *AuthInfo
	if ok {
		stored, _ = decodeAuthInfo(raw)
	}
	return p.clearSession(ctx, "User signed out", stored)
}

func (p *Provider) directToken(ctx context.Context, accessToken, refreshToken string) *AuthInfo {
	now := p.nowTime()
	claims := jwtclaims.ParseOrEmpty(accessToken)
	userID := claims.Subject

	var name string
	if userID != "" {
		name = p.profileName(ctx, accessToken, userID)
	}
	return &AuthInfo{
		IDToken:      accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    unixSeconds(jwtclaims.ExpiresAt(accessToken, now)),
		UserInfo: UserInfo{
			ID:            userID,
			Email:         claims.Email,
			DisplayName:   utils.FirstNonEmpty(name, claims.Email),
			CreatedAt:     now.UTC().Format(isoMillis),
			Organizations: []string{},
		},
		Provider:  ProviderName,
		StartedAt: unixMillis(now),
	}
}

func (p *Provider) exchangeCode(ctx context.Context, req SignInRequest) (*AuthInfo, error) {
	payload := map[string]string{
		"code":          req.Code,
		"code_verifier": req.CodeVerifier,
		"redirect_uri":  req.RedirectURI,
	}
	body, err := p.proxyCall(ctx, http.MethodPost, "/v1/auth/token", payload)
	if err != nil {
		return nil, fmt.Errorf("[Provider.SignIn] %w", err)
	}

	var resp tokenExchangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("[Provider.SignIn] failed to decode token response: %w", err)
	}
	data := resp.Data
	if data.AccessToken == "" {
		return nil, errors.New("[Provider.SignIn] invalid token response from proxy")
	}

	now := p.nowTime()
	expiresAt, err := time.Parse(time.RFC3339, data.ExpiresAt)
	if err != nil {
		expiresAt = jwtclaims.ExpiresAt(data.AccessToken, now)
	}
	userID := data.UserInfo.ClineUserID
	if userID == "" {
		userID = jwtclaims.ParseOrEmpty(data.AccessToken).Subject
	}
	return &AuthInfo{
		IDToken:      data.AccessToken,
		RefreshToken: utils.Value(data.RefreshToken),
		ExpiresAt:    unixSeconds(expiresAt),
		UserInfo: UserInfo{
			ID:            userID,
			Email:         data.UserInfo.Email,
			DisplayName:   utils.FirstNonEmpty(data.UserInfo.Name, data.UserInfo.Email),
			CreatedAt:     now.UTC().Format(isoMillis),
			Organizations: []string{},
		},
		Provider:  ProviderName,
		StartedAt: unixMillis(now),
	}, nil
}

// profileName returns the display name of userID, or "" if it cannot be fetched.
func (p *Provider) profileName(ctx context.Context, accessToken, userID string) string {
	profile, err := p.identity.ProfileAs(ctx, accessToken, userID)
	if err != nil || profile == nil {
		return ""
	}
	return profile.Name
}

func (p *Provider) persist(ctx context.Context, info *AuthInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := p.store.Set(ctx, SecretKey, string(data)); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// proxyCall sends a JSON request to the proxy and returns the body of a 2xx
// response. Other statuses become an error carrying the proxy's message.
func (p *Provider) proxyCall(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.proxyBaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &AuthNetworkError{Message: "proxy request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &AuthNetworkError{Message: "failed to read proxy response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := "Failed to exchange authorization code for tokens"
		for _, path := range []string{"error_description", "message", "error"} {
			if v := gjson.GetBytes(data, path); v.Type == gjson.String && v.String() != "" {
				msg = v.String()
				break
			}
		}
		return nil, fmt.Errorf("proxy returned %d: %s", resp.StatusCode, msg)
	}
	return data, nil
}

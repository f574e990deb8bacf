// Package oidc fronts a standards OpenID Connect provider as an identity backend.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-auth-proxy/identity"
	"golang.org/x/oauth2"
)

type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

type Backend struct {
	provider *gooidc.Provider
	verifier *gooidc.IDTokenVerifier
	oauth2   *oauth2.Config

	mu    sync.RWMutex
	names map[string]string
}

var _ identity.Backend = (*Backend)(nil)

type Option func(*Backend)

// WithKeySet verifies id tokens against keys instead of the provider's JWKS.
func WithKeySet(issuer, clientID string, keys gooidc.KeySet) Option {
	return func(b *Backend) {
		b.verifier = gooidc.NewVerifier(issuer, keys, &gooidc.Config{ClientID: clientID})
	}
}

// Discover fetches the provider metadata from cfg.Issuer.
func Discover(ctx context.Context, cfg Config, opts ...Option) (*Backend, error) {
	provider, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("[oidc.Discover] failed to query provider %q: %w", cfg.Issuer, err)
	}
	return New(provider, cfg, opts...), nil
}

func New(provider *gooidc.Provider, cfg Config, opts ...Option) *Backend {
	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	b := &Backend{
		provider: provider,
		verifier: provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       cfg.Scopes,
		},
		names: make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type profileClaims struct {
	Subject   string `json:"sub"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	UpdatedAt any    `json:"updated_at"`
}

// CurrentUser calls the userinfo endpoint with accessToken.
func (b *Backend) CurrentUser(ctx context.Context, accessToken string) (*identity.User, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	info, err := b.provider.UserInfo(ctx, ts)
	if err != nil {
		if isTransport(err) {
			return nil, &identity.TransportError{Op: "userinfo", Err: err}
		}
		return nil, fmt.Errorf("[oidc.CurrentUser] %w: %v", identity.ErrInvalidToken, err)
	}
	var claims profileClaims
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("[oidc.CurrentUser] %w: %v", identity.ErrMalformedResponse, err)
	}
	b.rememberName(info.Subject, claims.Name)
	return &identity.User{
		ID:            info.Subject,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
	}, nil
}

// Profile answers from names seen on userinfo or id token responses.
// Standard providers have no profile-by-id lookup.
func (b *Backend) Profile(_ context.Context, userID string) (*identity.Profile, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	name, ok := b.names[userID]
	if !ok {
		return nil, identity.ErrProfileNotFound
	}
	return &identity.Profile{ID: userID, Name: name}, nil
}

// Refresh runs the refresh_token grant. A returned id_token is verified and
// supplies the user; otherwise userinfo is consulted with the new access token.
func (b *Backend) Refresh(ctx context.Context, refreshToken string) (*identity.Session, error) {
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := b.oauth2.TokenSource(ctx, expired).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			msg := re.ErrorDescription
			if msg == "" {
				msg = re.ErrorCode
			}
			return nil, &identity.StatusError{StatusCode: status, Message: msg}
		}
		return nil, &identity.TransportError{Op: "refresh", Err: err}
	}

	session := &identity.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}

	if rawIDToken, ok := tok.Extra("id_token").(string); ok && rawIDToken != "" {
		idToken, err := b.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("[oidc.Refresh] %w: id_token: %v", identity.ErrMalformedResponse, err)
		}
		var claims profileClaims
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("[oidc.Refresh] %w: %v", identity.ErrMalformedResponse, err)
		}
		b.rememberName(idToken.Subject, claims.Name)
		session.User = &identity.User{ID: idToken.Subject, Email: claims.Email}
		return session, nil
	}

	user, err := b.CurrentUser(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	session.User = user
	return session, nil
}

func (b *Backend) rememberName(subject, name string) {
	if subject == "" || name == "" {
		return
	}
	b.mu.Lock()
	b.names[subject] = name
	b.mu.Unlock()
}

func isTransport(err error) bool {
	var ue *url.Error
	return errors.As(err, &ue)
}

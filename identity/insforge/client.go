// Package insforge talks to an InsForge style identity backend over HTTP.
package insforge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-proxy/identity"
	"github.com/tidwall/gjson"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20

	sessionPath = "/api/auth/sessions/current"
	profilePath = "/api/auth/profiles/"
	refreshPath = "/api/auth/refresh"
	recordsPath = "/api/database/records/"

	// ClientTypeDesktop is sent on refresh so the backend returns the refresh token in the body
	ClientTypeDesktop = "desktop"
)

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ identity.Backend = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for baseURL. apiKey is the service key used for
// profile and records calls; it may be empty for client-side use.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type userEnvelope struct {
	User *identity.User `json:"user"`
}

type authResponse struct {
	User         *identity.User `json:"user"`
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken"`
}

// CurrentUser resolves the owner of accessToken.
// Rejections wrap identity.ErrInvalidToken.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*identity.User, error) {
	var env userEnvelope
	err := c.do(ctx, http.MethodGet, sessionPath, nil, "Bearer "+accessToken, nil, &env)
	if err != nil {
		if se, ok := err.(*identity.StatusError); ok && (se.Rejected() || se.StatusCode == http.StatusNotFound) {
			return nil, fmt.Errorf("[insforge.CurrentUser] %w: %w", identity.ErrInvalidToken, err)
		}
		return nil, fmt.Errorf("[insforge.CurrentUser] %w", err)
	}
	if env.User == nil || env.User.ID == "" {
		return nil, fmt.Errorf("[insforge.CurrentUser] %w: no user in session", identity.ErrInvalidToken)
	}
	return env.User, nil
}

// Profile looks userID up with the service key.
func (c *Client) Profile(ctx context.Context, userID string) (*identity.Profile, error) {
	return c.profile(ctx, "Bearer "+c.apiKey, userID)
}

// ProfileAs looks userID up with the user's own access token.
func (c *Client) ProfileAs(ctx context.Context, accessToken, userID string) (*identity.Profile, error) {
	return c.profile(ctx, "Bearer "+accessToken, userID)
}

func (c *Client) profile(ctx context.Context, authorization, userID string) (*identity.Profile, error) {
	if userID == "" {
		return nil, identity.ErrProfileNotFound
	}
	var p identity.Profile
	if err := c.do(ctx, http.MethodGet, profilePath+url.PathEscape(userID), nil, authorization, nil, &p); err != nil {
		if identity.StatusCode(err) == http.StatusNotFound {
			return nil, identity.ErrProfileNotFound
		}
		return nil, fmt.Errorf("[insforge.Profile] %w", err)
	}
	return &p, nil
}

// Refresh exchanges refreshToken for a new session. Non-2xx answers come back
// as *identity.StatusError so callers can tell rejection from outage.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*identity.Session, error) {
	q := url.Values{"client_type": {ClientTypeDesktop}}
	body := map[string]string{"refreshToken": refreshToken}
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, refreshPath, q, "", body, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" || resp.User == nil {
		return nil, fmt.Errorf("[insforge.Refresh] %w: missing accessToken or user", identity.ErrMalformedResponse)
	}
	return &identity.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		User:         resp.User,
	}, nil
}

// do performs one JSON round trip. out may be nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, authorization string, in, out any) error {
	return c.doWithHeaders(ctx, method, path, query, authorization, nil, in, out)
}

func (c *Client) doWithHeaders(ctx context.Context, method, path string, query url.Values, authorization string, headers map[string]string, in, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &identity.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &identity.TransportError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &identity.StatusError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
			RequestID:  resp.Header.Get("X-Request-Id"),
		}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", identity.ErrMalformedResponse, err)
	}
	return nil
}

// errorMessage pulls a human readable message out of an error body of unknown shape.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"message", "error_description", "error.message", "error"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

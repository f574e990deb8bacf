package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jrsteele09/go-auth-proxy/identity"
	"github.com/jrsteele09/go-auth-proxy/internal/jwtclaims"
	"github.com/jrsteele09/go-auth-proxy/internal/utils"
)

const refreshFlightKey = "refresh"

// RetrieveAuthInfo returns the stored credential, refreshing it when it is
// close to expiry.
//
// A nil AuthInfo with a nil error means there is nothing usable right now:
// either nobody is signed in or a refresh was attempted too recently. Only a
// backend rejection of the refresh token clears the session and comes back as
// *AuthInvalidTokenError; every other refresh failure returns the stale
// credential so the caller's own request fails at the point of use.
func (p *Provider) RetrieveAuthInfo(ctx context.Context) (*AuthInfo, error) {
	raw, ok, err := p.store.Get(ctx, SecretKey)
	if err != nil {
		return nil, fmt.Errorf("[Provider.RetrieveAuthInfo] %w", err)
	}
	if !ok || raw == "" {
		p.resetAttempts()
		return nil, nil
	}

	stored, err := decodeAuthInfo(raw)
	if err != nil {
		return nil, p.clearSession(ctx, "Failed to parse stored auth data", nil)
	}
	if stored.IDToken == "" {
		return nil, p.clearSession(ctx, "No ID token found in store", stored)
	}

	now := p.nowTime()
	expiresAt := stored.ExpiresAtTime()
	if !expiresAt.Before(now.Add(RefreshWindow)) {
		p.resetAttempts()
		return validated(stored)
	}

	if stored.RefreshToken == "" {
		// nothing can renew it; keep serving it until it has actually expired
		if !expiresAt.After(now) {
			return nil, p.clearSession(ctx, "Access token expired and no refresh token available", stored)
		}
		return stored, nil
	}

	v, err, _ := p.flight.Do(refreshFlightKey, func() (any, error) {
		return p.refreshStored(ctx, raw, stored)
	})
	if err != nil {
		return nil, err
	}
	info, _ := v.(*AuthInfo)
	return info, nil
}

// refreshStored runs steps that must not overlap between callers: the
// retry gate, the network refresh and the write back.
func (p *Provider) refreshStored(ctx context.Context, raw string, stored *AuthInfo) (*AuthInfo, error) {
	// a flight that finished after raw was read has already rotated the token
	if current, ok, err := p.store.Get(ctx, SecretKey); err == nil && ok && current != raw {
		if info, err := decodeAuthInfo(current); err == nil && info.IDToken != "" {
			return info, nil
		}
	}

	now := p.nowTime()
	p.mu.Lock()
	switch {
	case p.attempts > 0 && stored.ExpiresAtTime().Sub(now) > TransientGrace:
		p.attempts = 0
		p.lastAttemptAt = time.Time{}
		p.mu.Unlock()
		return stored, nil
	case p.attempts > 0 && now.Sub(p.lastAttemptAt) < RefreshRetryDelay:
		p.mu.Unlock()
		return nil, nil
	case p.attempts >= MaxRefreshRetries:
		p.mu.Unlock()
		return stored, nil
	}
	p.attempts++
	p.lastAttemptAt = now
	attempt := p.attempts
	p.mu.Unlock()

	info, err := p.RefreshToken(ctx, stored.RefreshToken, stored)
	if err != nil {
		if IsInvalidToken(err) {
			if clearErr := p.clearSession(ctx, "Invalid or expired refresh token. Clearing auth state.", stored); clearErr != nil {
				p.logger.Error().Err(clearErr).Msg("[Provider.RetrieveAuthInfo] failed to clear session")
			}
			return nil, err
		}
		p.logger.Warn().Err(err).Int("attempt", attempt).Msg("[Provider.RetrieveAuthInfo] refresh failed, using stored credential")
		return stored, nil
	}

	p.resetAttempts()
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("[Provider.RetrieveAuthInfo] failed to encode credential: %w", err)
	}
	if string(data) != raw {
		if err := p.store.Set(ctx, SecretKey, string(data)); err != nil {
			p.logger.Error().Err(err).Msg("[Provider.RetrieveAuthInfo] failed to store refreshed credential")
		}
	}
	if err := p.store.Delete(ctx, legacySecretKey); err != nil {
		p.logger.Warn().Err(err).Msg("[Provider.RetrieveAuthInfo] failed to remove legacy credential")
	}
	return info, nil
}

// RefreshToken trades refreshToken for a new credential. stored supplies the
// fields the backend does not return again, such as the sign-in time.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string, stored *AuthInfo) (*AuthInfo, error) {
	if stored == nil {
		stored = &AuthInfo{}
	}
	if refreshToken == "" {
		return nil, &AuthInvalidTokenError{Message: "No refresh token available"}
	}

	session, err := p.identity.Refresh(ctx, refreshToken)
	if err != nil {
		var se *identity.StatusError
		switch {
		case errors.As(err, &se):
			p.logFailedRefresh(se, stored)
			if se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusUnauthorized {
				return nil, &AuthInvalidTokenError{Message: utils.FirstNonEmpty(se.Message, "Invalid or expired token"), Err: err}
			}
			return nil, &AuthNetworkError{Message: fmt.Sprintf("status: %d", se.StatusCode), Err: err}
		case identity.IsTransport(err):
			return nil, &AuthNetworkError{Message: "Network error during token refresh", Err: err}
		default:
			return nil, &AuthNetworkError{Message: "Unexpected response during token refresh", Err: err}
		}
	}

	now := p.nowTime()
	user := session.User
	if user == nil {
		user = &identity.User{}
	}
	claims := jwtclaims.ParseOrEmpty(session.AccessToken)
	userID := utils.FirstNonEmpty(user.ID, claims.Subject, stored.UserInfo.ID)
	email := utils.FirstNonEmpty(user.Email, claims.Email, stored.UserInfo.Email)

	expiresAt := session.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = jwtclaims.ExpiresAt(session.AccessToken, now)
	}
	startedAt := stored.StartedAt
	if startedAt == 0 {
		startedAt = unixMillis(now)
	}

	return &AuthInfo{
		IDToken:      session.AccessToken,
		RefreshToken: utils.FirstNonEmpty(session.RefreshToken, refreshToken),
		ExpiresAt:    unixSeconds(expiresAt),
		UserInfo: UserInfo{
			ID:            userID,
			Email:         email,
			DisplayName:   utils.FirstNonEmpty(p.profileName(ctx, session.AccessToken, userID), email),
			CreatedAt:     utils.FirstNonEmpty(user.CreatedAt, stored.UserInfo.CreatedAt, now.UTC().Format(isoMillis)),
			Organizations: []string{},
		},
		Provider:  ProviderName,
		StartedAt: startedAt,
	}, nil
}

func (p *Provider) clearSession(ctx context.Context, reason string, stored *AuthInfo) error {
	evt := p.logger.Info().Str("event", "logging_user_out").Str("reason", reason)
	if stored != nil {
		claims := jwtclaims.ParseOrEmpty(stored.IDToken)
		evt = evt.Str("session_id", claims.SessionID).Str("user_id", claims.ExternalID)
		if stored.StartedAt > 0 {
			evt = evt.Int64("time_since_started", unixMillis(p.nowTime())-stored.StartedAt)
		}
	}
	evt.Msg("[Provider] logging user out")

	p.resetAttempts()
	if err := p.store.Delete(ctx, SecretKey); err != nil {
		return fmt.Errorf("[Provider.clearSession] %w", err)
	}
	return nil
}

func (p *Provider) logFailedRefresh(se *identity.StatusError, stored *AuthInfo) {
	claims := jwtclaims.ParseOrEmpty(stored.IDToken)
	evt := p.logger.Warn().
		Str("event", "refresh_attempt_failed").
		Int("status_code", se.StatusCode).
		Str("request_id", se.RequestID).
		Str("session_id", claims.SessionID).
		Str("user_id", claims.ExternalID)
	if stored.StartedAt > 0 {
		evt = evt.Int64("time_since_started", unixMillis(p.nowTime())-stored.StartedAt)
	}
	evt.Msg("[Provider.RefreshToken] refresh attempt failed")
}

func (p *Provider) resetAttempts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	p.lastAttemptAt = time.Time{}
}

func decodeAuthInfo(raw string) (*AuthInfo, error) {
	var info AuthInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// validated checks the token is JWT shaped and fills a missing user id from
// its claims.
func validated(info *AuthInfo) (*AuthInfo, error) {
	if !jwtclaims.HasJWTShape(info.IDToken) {
		return nil, fmt.Errorf("[Provider.RetrieveAuthInfo] %w", ErrMalformedToken)
	}
	if info.UserInfo.ID == "" {
		claims := jwtclaims.ParseOrEmpty(info.IDToken)
		info.UserInfo.ID = utils.FirstNonEmpty(claims.ExternalID, claims.Subject)
	}
	return info, nil
}

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jrsteele09/go-auth-proxy/internal/utils"
	"github.com/jrsteele09/go-auth-proxy/pkce"
)

const callbackShutdownTimeout = 2 * time.Second

// Login runs a whole browser sign-in: it registers a PKCE flow with the proxy,
// hands the login URL to open, waits for the loopback redirect carrying its
// state and exchanges the code. ctx bounds the wait for the user.
func (p *Provider) Login(ctx context.Context, open func(loginURL string) error) (*AuthInfo, error) {
	challenge, err := pkce.Generate()
	if err != nil {
		return nil, fmt.Errorf("[Provider.Login] %w", err)
	}

	cb, err := NewCallbackServer("127.0.0.1:0", challenge.State)
	if err != nil {
		return nil, fmt.Errorf("[Provider.Login] %w", err)
	}
	cb.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), callbackShutdownTimeout)
		defer cancel()
		_ = cb.Close(shutdownCtx)
	}()

	loginURL, err := p.Authorize(ctx, cb.URL(), challenge)
	if err != nil {
		return nil, err
	}
	if err := open(loginURL); err != nil {
		return nil, fmt.Errorf("[Provider.Login] failed to open login page: %w", err)
	}

	res, err := cb.WaitForCallback(ctx)
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, fmt.Errorf("[Provider.Login] sign-in failed: %s", utils.FirstNonEmpty(res.ErrorDescription, res.Error))
	}
	if res.Code == "" {
		return nil, errors.New("[Provider.Login] callback carried no code")
	}

	return p.SignIn(ctx, SignInRequest{
		Code:         res.Code,
		CodeVerifier: challenge.Verifier,
		RedirectURI:  cb.URL(),
		RefreshToken: res.RefreshToken,
	})
}

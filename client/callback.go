package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	callbackPath = "/callback"

	callbackPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Signed in</title></head>
<body style="font-family:sans-serif;text-align:center;margin-top:4em">
<h2>%s</h2><p>You can close this window and return to the application.</p>
</body></html>`
)

// CallbackResult is what the browser handed to the loopback listener.
type CallbackResult struct {
	Code             string
	State            string
	RefreshToken     string
	Error            string
	ErrorDescription string
}

// CallbackServer receives the login redirect on a loopback address.
type CallbackServer struct {
	listener net.Listener
	server   *http.Server
	state    string
	results  chan *CallbackResult
}

// NewCallbackServer binds addr, e.g. "127.0.0.1:0" for a random port.
// Redirects whose state differs from state are answered but never delivered;
// an empty state accepts any redirect.
func NewCallbackServer(addr, state string) (*CallbackServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("[NewCallbackServer] failed to listen on %s: %w", addr, err)
	}
	cs := &CallbackServer{
		listener: ln,
		state:    state,
		results:  make(chan *CallbackResult, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+callbackPath, cs.handleCallback)
	cs.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return cs, nil
}

// URL is the redirect URI to register for this listener.
func (cs *CallbackServer) URL() string {
	return "http://" + cs.listener.Addr().String() + callbackPath
}

func (cs *CallbackServer) Start() {
	go func() {
		if err := cs.server.Serve(cs.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("[CallbackServer] serve failed")
		}
	}()
}

// WaitForCallback blocks until the first redirect arrives or ctx ends.
func (cs *CallbackServer) WaitForCallback(ctx context.Context) (*CallbackResult, error) {
	select {
	case res := <-cs.results:
		return res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("[CallbackServer.WaitForCallback] %w", ctx.Err())
	}
}

func (cs *CallbackServer) Close(ctx context.Context) error {
	return cs.server.Shutdown(ctx)
}

func (cs *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := &CallbackResult{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		RefreshToken:     q.Get("refresh_token"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	if cs.state != "" && res.State != cs.state {
		log.Warn().Str("remote_addr", r.RemoteAddr).Msg("[CallbackServer] ignoring redirect with unexpected state")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprintf(w, callbackPage, "Sign-in failed")
		return
	}

	// only the first matching redirect counts
	select {
	case cs.results <- res:
	default:
	}

	title := "Sign-in complete"
	if res.Error != "" {
		title = "Sign-in failed"
	}
	_, _ = fmt.Fprintf(w, callbackPage, title)
}

package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-auth-proxy/proxy"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyAccessToken stores the bearer token of the request
	ContextKeyAccessToken ContextKey = "access_token"
)

// RequireBearer is middleware that extracts a Bearer access token from the
// Authorization header. The token is only checked for presence here; the
// identity backend decides whether it is valid.
func (s *Server) RequireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="auth-proxy"`)
			writeJSONError(w, proxy.CodeInvalidToken, "Missing access token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ContextKeyAccessToken, token)
		next(w, r.WithContext(ctx))
	}
}

// AccessToken returns the token stored by RequireBearer.
func AccessToken(ctx context.Context) string {
	token, _ := ctx.Value(ContextKeyAccessToken).(string)
	return token
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

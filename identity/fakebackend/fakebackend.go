// Package fakebackend is an in-memory identity backend for tests. It can be
// used directly as an identity.Backend or served over HTTP with the same
// routes the InsForge client calls.
package fakebackend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-proxy/identity"
	"github.com/jrsteele09/go-auth-proxy/internal/jwtclaims"
)

var signingKey = []byte("fake-backend-signing-key")

type Backend struct {
	mu       sync.Mutex
	users    map[string]*identity.User
	profiles map[string]string
	access   map[string]string
	refresh  map[string]string

	refreshStatus int
	refreshCalls  atomic.Int32

	// NowTime and TokenTTL drive the exp claim of minted tokens
	NowTime  func() time.Time
	TokenTTL time.Duration
}

var _ identity.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{
		users:    make(map[string]*identity.User),
		profiles: make(map[string]string),
		access:   make(map[string]string),
		refresh:  make(map[string]string),
		NowTime:  time.Now,
		TokenTTL: 15 * time.Minute,
	}
}

// AddUser registers a user. An empty name leaves the profile unnamed.
func (b *Backend) AddUser(email, name string) *identity.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := &identity.User{
		ID:        uuid.NewString(),
		Email:     email,
		CreatedAt: b.NowTime().UTC().Format(time.RFC3339),
	}
	b.users[u.ID] = u
	b.profiles[u.ID] = name
	return copyUser(u)
}

// IssueSession mints a fresh access and refresh token for userID, as a
// successful browser login would.
func (b *Backend) IssueSession(userID string) *identity.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueLocked(userID)
}

func (b *Backend) issueLocked(userID string) *identity.Session {
	u := b.users[userID]
	now := b.NowTime()
	claims := jwtclaims.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.TokenTTL)),
		},
		SessionID:  uuid.NewString(),
		ExternalID: userID,
	}
	if u != nil {
		claims.Email = u.Email
	}
	at, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	rt := "rt-" + uuid.NewString()
	b.access[at] = userID
	b.refresh[rt] = userID
	return &identity.Session{AccessToken: at, RefreshToken: rt, User: copyUser(u)}
}

// FailRefreshWith makes every refresh answer status. Zero restores normal behaviour.
func (b *Backend) FailRefreshWith(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshStatus = status
}

// RevokeRefreshToken forgets rt so later refreshes are rejected.
func (b *Backend) RevokeRefreshToken(rt string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.refresh, rt)
}

func (b *Backend) RefreshCalls() int {
	return int(b.refreshCalls.Load())
}

func (b *Backend) CurrentUser(_ context.Context, accessToken string) (*identity.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.access[accessToken]
	if !ok {
		return nil, &identity.StatusError{StatusCode: http.StatusUnauthorized, Message: "Invalid token"}
	}
	return copyUser(b.users[id]), nil
}

func (b *Backend) Profile(_ context.Context, userID string) (*identity.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name, ok := b.profiles[userID]
	if !ok {
		return nil, identity.ErrProfileNotFound
	}
	return &identity.Profile{ID: userID, Name: name}, nil
}

func (b *Backend) Refresh(_ context.Context, refreshToken string) (*identity.Session, error) {
	b.refreshCalls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refreshStatus != 0 {
		return nil, &identity.StatusError{StatusCode: b.refreshStatus, Message: http.StatusText(b.refreshStatus)}
	}
	id, ok := b.refresh[refreshToken]
	if !ok {
		return nil, &identity.StatusError{StatusCode: http.StatusUnauthorized, Message: "Invalid refresh token"}
	}
	delete(b.refresh, refreshToken)
	return b.issueLocked(id), nil
}

// Handler serves the identity routes over HTTP.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/sessions/current", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		u, err := b.CurrentUser(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": u})
	})
	mux.HandleFunc("GET /api/auth/profiles/{id}", func(w http.ResponseWriter, r *http.Request) {
		p, err := b.Profile(r.Context(), r.PathValue("id"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Profile not found"})
			return
		}
		writeJSON(w, http.StatusOK, p)
	})
	mux.HandleFunc("POST /api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid body"})
			return
		}
		s, err := b.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user":         s.User,
			"accessToken":  s.AccessToken,
			"refreshToken": s.RefreshToken,
		})
	})
	return mux
}

func writeError(w http.ResponseWriter, err error) {
	status := identity.StatusCode(err)
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("X-Request-Id", uuid.NewString())
	writeJSON(w, status, map[string]string{"message": identity.Message(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func copyUser(u *identity.User) *identity.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

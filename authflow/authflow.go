// Package authflow holds the pending authorization requests and the one-time
// codes minted for them.
package authflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("authflow: not found")
	ErrEmptyKey     = errors.New("authflow: key cannot be empty")
	ErrNilRecord    = errors.New("authflow: record cannot be nil")
	ErrDuplicateKey = errors.New("authflow: duplicate key")
)

// AuthorizationRequest is stored by state when a client starts a flow.
type AuthorizationRequest struct {
	State         string
	RedirectURI   string
	CodeChallenge string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

func (r *AuthorizationRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// AuthorizationCode binds a hashed one-time code to the upstream session it hands off.
type AuthorizationCode struct {
	CodeHash     string
	UserID       string
	State        string
	AccessToken  string
	RefreshToken *string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	UsedAt       *time.Time
}

func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

func (c *AuthorizationCode) Used() bool {
	return c.UsedAt != nil
}

// RequestRepo persists authorization requests.
type RequestRepo interface {
	// UpsertRequest writes req, replacing any request with the same state.
	UpsertRequest(ctx context.Context, req *AuthorizationRequest) error
	GetRequest(ctx context.Context, state string) (*AuthorizationRequest, error)
}

// CodeRepo persists one-time codes.
type CodeRepo interface {
	InsertCode(ctx context.Context, code *AuthorizationCode) error
	GetCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)
	// MarkCodeUsed sets used_at only if it is still null. It returns false when
	// another caller consumed the code first.
	MarkCodeUsed(ctx context.Context, codeHash string, usedAt time.Time) (bool, error)
}

// Repo is the full store the proxy runs against.
type Repo interface {
	RequestRepo
	CodeRepo
	// DeleteExpired removes requests and codes that expired before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// HashCode returns the lowercase hex SHA-256 of a raw code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

package authflow

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepo is a thread-safe in-memory implementation of Repo
type InMemoryRepo struct {
	mu       sync.RWMutex
	requests map[string]*AuthorizationRequest
	codes    map[string]*AuthorizationCode
}

var _ Repo = (*InMemoryRepo)(nil)

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		requests: make(map[string]*AuthorizationRequest),
		codes:    make(map[string]*AuthorizationCode),
	}
}

func (r *InMemoryRepo) UpsertRequest(_ context.Context, req *AuthorizationRequest) error {
	if req == nil {
		return ErrNilRecord
	}
	if req.State == "" {
		return ErrEmptyKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Store a copy to prevent external modifications
	c := *req
	r.requests[req.State] = &c
	return nil
}

func (r *InMemoryRepo) GetRequest(_ context.Context, state string) (*AuthorizationRequest, error) {
	if state == "" {
		return nil, ErrEmptyKey
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.requests[state]
	if !ok {
		return nil, ErrNotFound
	}
	c := *req
	return &c, nil
}

func (r *InMemoryRepo) InsertCode(_ context.Context, code *AuthorizationCode) error {
	if code == nil {
		return ErrNilRecord
	}
	if code.CodeHash == "" {
		return ErrEmptyKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.codes[code.CodeHash]; exists {
		return ErrDuplicateKey
	}
	r.codes[code.CodeHash] = copyCode(code)
	return nil
}

func (r *InMemoryRepo) GetCode(_ context.Context, codeHash string) (*AuthorizationCode, error) {
	if codeHash == "" {
		return nil, ErrEmptyKey
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	code, ok := r.codes[codeHash]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCode(code), nil
}

// MarkCodeUsed is a check-and-set under the write lock, so only one caller wins.
func (r *InMemoryRepo) MarkCodeUsed(_ context.Context, codeHash string, usedAt time.Time) (bool, error) {
	if codeHash == "" {
		return false, ErrEmptyKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	code, ok := r.codes[codeHash]
	if !ok {
		return false, ErrNotFound
	}
	if code.UsedAt != nil {
		return false, nil
	}
	at := usedAt
	code.UsedAt = &at
	return true, nil
}

func (r *InMemoryRepo) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for state, req := range r.requests {
		if req.ExpiresAt.Before(before) {
			delete(r.requests, state)
			removed++
		}
	}
	for hash, code := range r.codes {
		if code.ExpiresAt.Before(before) {
			delete(r.codes, hash)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many requests and codes are held.
func (r *InMemoryRepo) Len() (requests, codes int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.requests), len(r.codes)
}

func copyCode(code *AuthorizationCode) *AuthorizationCode {
	c := *code
	if code.RefreshToken != nil {
		rt := *code.RefreshToken
		c.RefreshToken = &rt
	}
	if code.UsedAt != nil {
		at := *code.UsedAt
		c.UsedAt = &at
	}
	return &c
}

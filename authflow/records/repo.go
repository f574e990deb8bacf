// Package records stores authorization requests and codes through the
// identity backend's REST records API, so the proxy needs no database of its own.
package records

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jrsteele09/go-auth-proxy/authflow"
	"github.com/jrsteele09/go-auth-proxy/identity"
	"github.com/jrsteele09/go-auth-proxy/identity/insforge"
)

const (
	requestsTable = "auth_requests"
	codesTable    = "auth_codes"
)

// API is the subset of the records client the store needs.
type API interface {
	QueryRecords(ctx context.Context, table string, filters url.Values, out any) error
	InsertRecords(ctx context.Context, table string, rows any, upsert bool) error
	UpdateRecords(ctx context.Context, table string, filters url.Values, updates any, out any) error
	DeleteRecords(ctx context.Context, table string, filters url.Values, out any) error
}

var _ API = (*insforge.Client)(nil)

type Repo struct {
	api API
}

var _ authflow.Repo = (*Repo)(nil)

func New(api API) *Repo {
	return &Repo{api: api}
}

type requestRow struct {
	State         string    `json:"state"`
	RedirectURI   string    `json:"redirect_uri"`
	CodeChallenge string    `json:"code_challenge"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type codeRow struct {
	CodeHash     string     `json:"code_hash"`
	UserID       string     `json:"user_id"`
	State        string     `json:"state"`
	AccessToken  string     `json:"access_token"`
	RefreshToken *string    `json:"refresh_token"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	UsedAt       *time.Time `json:"used_at"`
}

type keyRow struct {
	Key string `json:"state,omitempty"`
}

func (r *Repo) UpsertRequest(ctx context.Context, req *authflow.AuthorizationRequest) error {
	if req == nil {
		return authflow.ErrNilRecord
	}
	if req.State == "" {
		return authflow.ErrEmptyKey
	}
	row := requestRow{
		State:         req.State,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		CreatedAt:     req.CreatedAt.UTC(),
		ExpiresAt:     req.ExpiresAt.UTC(),
	}
	if err := r.api.InsertRecords(ctx, requestsTable, []requestRow{row}, true); err != nil {
		return fmt.Errorf("failed to upsert auth request: %w", err)
	}
	return nil
}

func (r *Repo) GetRequest(ctx context.Context, state string) (*authflow.AuthorizationRequest, error) {
	if state == "" {
		return nil, authflow.ErrEmptyKey
	}
	var rows []requestRow
	filters := url.Values{
		"state":  {insforge.Eq(state)},
		"select": {"state,redirect_uri,code_challenge,created_at,expires_at"},
		"limit":  {"1"},
	}
	if err := r.api.QueryRecords(ctx, requestsTable, filters, &rows); err != nil {
		return nil, fmt.Errorf("failed to get auth request: %w", err)
	}
	if len(rows) == 0 {
		return nil, authflow.ErrNotFound
	}
	row := rows[0]
	return &authflow.AuthorizationRequest{
		State:         row.State,
		RedirectURI:   row.RedirectURI,
		CodeChallenge: row.CodeChallenge,
		CreatedAt:     row.CreatedAt,
		ExpiresAt:     row.ExpiresAt,
	}, nil
}

func (r *Repo) InsertCode(ctx context.Context, code *authflow.AuthorizationCode) error {
	if code == nil {
		return authflow.ErrNilRecord
	}
	if code.CodeHash == "" {
		return authflow.ErrEmptyKey
	}
	row := codeRow{
		CodeHash:     code.CodeHash,
		UserID:       code.UserID,
		State:        code.State,
		AccessToken:  code.AccessToken,
		RefreshToken: code.RefreshToken,
		CreatedAt:    code.CreatedAt.UTC(),
		ExpiresAt:    code.ExpiresAt.UTC(),
	}
	if err := r.api.InsertRecords(ctx, codesTable, []codeRow{row}, false); err != nil {
		if identity.StatusCode(err) == http.StatusConflict {
			return authflow.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert auth code: %w", err)
	}
	return nil
}

func (r *Repo) GetCode(ctx context.Context, codeHash string) (*authflow.AuthorizationCode, error) {
	if codeHash == "" {
		return nil, authflow.ErrEmptyKey
	}
	var rows []codeRow
	filters := url.Values{
		"code_hash": {insforge.Eq(codeHash)},
		"select":    {"code_hash,user_id,state,access_token,refresh_token,created_at,expires_at,used_at"},
		"limit":     {"1"},
	}
	if err := r.api.QueryRecords(ctx, codesTable, filters, &rows); err != nil {
		return nil, fmt.Errorf("failed to get auth code: %w", err)
	}
	if len(rows) == 0 {
		return nil, authflow.ErrNotFound
	}
	return rows[0].toCode(), nil
}

// MarkCodeUsed issues PATCH ?code_hash=eq.X&used_at=is.null; the backend only
// returns the row when this call was the one that set used_at. A backend that
// ignores return=representation answers with no body, in which case the row is
// read back and this call won if used_at holds its timestamp.
func (r *Repo) MarkCodeUsed(ctx context.Context, codeHash string, usedAt time.Time) (bool, error) {
	if codeHash == "" {
		return false, authflow.ErrEmptyKey
	}
	var rows []codeRow
	filters := url.Values{
		"code_hash": {insforge.Eq(codeHash)},
		"used_at":   {insforge.IsNull},
	}
	updates := map[string]any{"used_at": usedAt.UTC()}
	if err := r.api.UpdateRecords(ctx, codesTable, filters, updates, &rows); err != nil {
		return false, fmt.Errorf("failed to mark auth code used: %w", err)
	}
	if len(rows) == 1 {
		return true, nil
	}
	code, err := r.GetCode(ctx, codeHash)
	if err != nil {
		return false, err
	}
	if rows == nil && code.UsedAt != nil && sameInstant(*code.UsedAt, usedAt) {
		return true, nil
	}
	return false, nil
}

// sameInstant compares at the microsecond precision Postgres keeps.
func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}

func (r *Repo) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	cutoff := url.Values{"expires_at": {"lt." + before.UTC().Format(time.RFC3339Nano)}}
	total := 0
	for _, table := range []string{codesTable, requestsTable} {
		var rows []keyRow
		if err := r.api.DeleteRecords(ctx, table, cutoff, &rows); err != nil {
			return total, fmt.Errorf("failed to delete expired %s: %w", table, err)
		}
		total += len(rows)
	}
	return total, nil
}

func (row codeRow) toCode() *authflow.AuthorizationCode {
	return &authflow.AuthorizationCode{
		CodeHash:     row.CodeHash,
		UserID:       row.UserID,
		State:        row.State,
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		CreatedAt:    row.CreatedAt,
		ExpiresAt:    row.ExpiresAt,
		UsedAt:       row.UsedAt,
	}
}

// Package postgres stores authorization requests and codes in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jrsteele09/go-auth-proxy/authflow"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// Repo implements authflow.Repo on PostgreSQL
type Repo struct {
	db *sql.DB
}

var _ authflow.Repo = (*Repo)(nil)

// Open connects with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("[postgres.Open] failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("[postgres.Open] failed to ping database: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("[postgres.Migrate] %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("[postgres.Migrate] failed to apply migrations: %w", err)
	}
	return nil
}

func New(db *sql.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) UpsertRequest(ctx context.Context, req *authflow.AuthorizationRequest) error {
	if req == nil {
		return authflow.ErrNilRecord
	}
	if req.State == "" {
		return authflow.ErrEmptyKey
	}
	const query = `
		INSERT INTO auth_requests (state, redirect_uri, code_challenge, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (state) DO UPDATE SET
			redirect_uri = EXCLUDED.redirect_uri,
			code_challenge = EXCLUDED.code_challenge,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`
	if _, err := r.db.ExecContext(ctx, query, req.State, req.RedirectURI, req.CodeChallenge, req.CreatedAt, req.ExpiresAt); err != nil {
		return fmt.Errorf("failed to upsert auth request: %w", err)
	}
	return nil
}

func (r *Repo) GetRequest(ctx context.Context, state string) (*authflow.AuthorizationRequest, error) {
	if state == "" {
		return nil, authflow.ErrEmptyKey
	}
	const query = `
		SELECT state, redirect_uri, code_challenge, created_at, expires_at
		FROM auth_requests
		WHERE state = $1
	`
	var req authflow.AuthorizationRequest
	err := r.db.QueryRowContext(ctx, query, state).Scan(
		&req.State, &req.RedirectURI, &req.CodeChallenge, &req.CreatedAt, &req.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auth request: %w", err)
	}
	return &req, nil
}

func (r *Repo) InsertCode(ctx context.Context, code *authflow.AuthorizationCode) error {
	if code == nil {
		return authflow.ErrNilRecord
	}
	if code.CodeHash == "" {
		return authflow.ErrEmptyKey
	}
	const query = `
		INSERT INTO auth_codes (code_hash, user_id, state, access_token, refresh_token, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	var refresh sql.NullString
	if code.RefreshToken != nil {
		refresh = sql.NullString{String: *code.RefreshToken, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		code.CodeHash, code.UserID, code.State, code.AccessToken, refresh, code.CreatedAt, code.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
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
	const query = `
		SELECT code_hash, user_id, state, access_token, refresh_token, created_at, expires_at, used_at
		FROM auth_codes
		WHERE code_hash = $1
	`
	var (
		code    authflow.AuthorizationCode
		refresh sql.NullString
		usedAt  sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, codeHash).Scan(
		&code.CodeHash, &code.UserID, &code.State, &code.AccessToken, &refresh,
		&code.CreatedAt, &code.ExpiresAt, &usedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auth code: %w", err)
	}
	if refresh.Valid {
		code.RefreshToken = &refresh.String
	}
	if usedAt.Valid {
		code.UsedAt = &usedAt.Time
	}
	return &code, nil
}

// MarkCodeUsed is a single conditional UPDATE; the row count decides the winner.
func (r *Repo) MarkCodeUsed(ctx context.Context, codeHash string, usedAt time.Time) (bool, error) {
	if codeHash == "" {
		return false, authflow.ErrEmptyKey
	}
	const query = `UPDATE auth_codes SET used_at = $2 WHERE code_hash = $1 AND used_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, codeHash, usedAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark auth code used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.GetCode(ctx, codeHash); err != nil {
		return false, err
	}
	return false, nil
}

func (r *Repo) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cleanup: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	total := 0
	for _, query := range []string{
		`DELETE FROM auth_codes WHERE expires_at < $1`,
		`DELETE FROM auth_requests WHERE expires_at < $1`,
	} {
		res, err := tx.ExecContext(ctx, query, before)
		if err != nil {
			return 0, fmt.Errorf("failed to delete expired rows: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		total += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return total, nil
}

// Package authflowtest holds the behaviour every authflow.Repo must share.
package authflowtest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-proxy/authflow"
	"github.com/jrsteele09/go-auth-proxy/internal/utils"
	"github.com/stretchr/testify/require"
)

// RunRepoTests exercises a Repo implementation. newRepo must return an empty store.
func RunRepoTests(t *testing.T, newRepo func(t *testing.T) authflow.Repo) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	newRequest := func() *authflow.AuthorizationRequest {
		return &authflow.AuthorizationRequest{
			State:         "state-" + uuid.NewString(),
			RedirectURI:   "https://ext/callback",
			CodeChallenge: "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
			CreatedAt:     base,
			ExpiresAt:     base.Add(10 * time.Minute),
		}
	}
	newCode := func(state string) *authflow.AuthorizationCode {
		return &authflow.AuthorizationCode{
			CodeHash:     authflow.HashCode(uuid.NewString()),
			UserID:       "user-1",
			State:        state,
			AccessToken:  "access-token",
			RefreshToken: utils.Ptr("refresh-token"),
			CreatedAt:    base,
			ExpiresAt:    base.Add(2 * time.Minute),
		}
	}

	t.Run("request upsert overwrites by state", func(t *testing.T) {
		repo := newRepo(t)
		req := newRequest()
		require.NoError(t, repo.UpsertRequest(ctx, req))

		req.RedirectURI = "https://ext/other"
		require.NoError(t, repo.UpsertRequest(ctx, req))

		got, err := repo.GetRequest(ctx, req.State)
		require.NoError(t, err)
		require.Equal(t, "https://ext/other", got.RedirectURI)
		require.Equal(t, req.CodeChallenge, got.CodeChallenge)
		require.True(t, req.ExpiresAt.Equal(got.ExpiresAt))
	})

	t.Run("unknown request", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetRequest(ctx, "missing")
		require.ErrorIs(t, err, authflow.ErrNotFound)
	})

	t.Run("code round trip", func(t *testing.T) {
		repo := newRepo(t)
		code := newCode("s1")
		require.NoError(t, repo.InsertCode(ctx, code))

		got, err := repo.GetCode(ctx, code.CodeHash)
		require.NoError(t, err)
		require.Equal(t, "user-1", got.UserID)
		require.Equal(t, "s1", got.State)
		require.Equal(t, "access-token", got.AccessToken)
		require.Equal(t, "refresh-token", utils.Value(got.RefreshToken))
		require.Nil(t, got.UsedAt)
		require.True(t, code.ExpiresAt.Equal(got.ExpiresAt))

		_, err = repo.GetCode(ctx, authflow.HashCode("nope"))
		require.ErrorIs(t, err, authflow.ErrNotFound)
	})

	t.Run("code without refresh token", func(t *testing.T) {
		repo := newRepo(t)
		code := newCode("s2")
		code.RefreshToken = nil
		require.NoError(t, repo.InsertCode(ctx, code))

		got, err := repo.GetCode(ctx, code.CodeHash)
		require.NoError(t, err)
		require.Nil(t, got.RefreshToken)
	})

	t.Run("mark used only once", func(t *testing.T) {
		repo := newRepo(t)
		code := newCode("s3")
		require.NoError(t, repo.InsertCode(ctx, code))

		ok, err := repo.MarkCodeUsed(ctx, code.CodeHash, base.Add(time.Second))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = repo.MarkCodeUsed(ctx, code.CodeHash, base.Add(2*time.Second))
		require.NoError(t, err)
		require.False(t, ok)

		got, err := repo.GetCode(ctx, code.CodeHash)
		require.NoError(t, err)
		require.NotNil(t, got.UsedAt)
		require.True(t, base.Add(time.Second).Equal(*got.UsedAt))
	})

	t.Run("concurrent mark used has one winner", func(t *testing.T) {
		repo := newRepo(t)
		code := newCode("s4")
		require.NoError(t, repo.InsertCode(ctx, code))

		const racers = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := repo.MarkCodeUsed(ctx, code.CodeHash, base)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), wins.Load())
	})

	t.Run("delete expired", func(t *testing.T) {
		repo := newRepo(t)
		old := newRequest()
		old.ExpiresAt = base.Add(-time.Hour)
		fresh := newRequest()
		require.NoError(t, repo.UpsertRequest(ctx, old))
		require.NoError(t, repo.UpsertRequest(ctx, fresh))

		oldCode := newCode(old.State)
		oldCode.ExpiresAt = base.Add(-time.Hour)
		freshCode := newCode(fresh.State)
		require.NoError(t, repo.InsertCode(ctx, oldCode))
		require.NoError(t, repo.InsertCode(ctx, freshCode))

		removed, err := repo.DeleteExpired(ctx, base)
		require.NoError(t, err)
		require.Equal(t, 2, removed)

		_, err = repo.GetRequest(ctx, old.State)
		require.ErrorIs(t, err, authflow.ErrNotFound)
		_, err = repo.GetCode(ctx, oldCode.CodeHash)
		require.ErrorIs(t, err, authflow.ErrNotFound)
		_, err = repo.GetRequest(ctx, fresh.State)
		require.NoError(t, err)
		_, err = repo.GetCode(ctx, freshCode.CodeHash)
		require.NoError(t, err)
	})
}

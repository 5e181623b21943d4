// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/internal/pkg/store"
	"github.com/strandlabs/strand/internal/pkg/store/inmem"
)

func TestInvalidateAccessToken(t *testing.T) {
	env := newTestEnv(t)

	created := env.createPair(t, "alice", "r1")

	result, err := env.service.InvalidateAccessToken(env.ctx, created.AccessToken)
	require.NoError(t, err)

	assert.Equal(t, []string{docID(created.UserToken.ID)}, result.Invalidated)
	assert.Empty(t, result.PreviouslyInvalidated)
	assert.Empty(t, result.Errors)
	require.NoError(t, result.Err())

	_, err = env.service.Authenticate(env.ctx, created.AccessToken)
	require.Error(t, err)
	assert.Equal(t, KindExpired, KindOf(err))

	// invalidating again reports the document as previously invalidated
	result, err = env.service.InvalidateAccessToken(env.ctx, created.AccessToken)
	require.NoError(t, err)

	assert.Empty(t, result.Invalidated)
	assert.Equal(t, []string{docID(created.UserToken.ID)}, result.PreviouslyInvalidated)
	assert.Empty(t, result.Errors)
}

func TestInvalidateMalformedBearer(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.InvalidateAccessToken(env.ctx, "not a bearer")
	require.Error(t, err)
	assert.Equal(t, KindMalformed, KindOf(err))
}

// recordingStore captures the order of bulk invalidation passes.
type recordingStore struct {
	store.Store

	bulkFields []string
}

func (r *recordingStore) BulkUpdate(ctx context.Context, ids []string, patch store.Patch, policy store.RefreshPolicy) ([]store.BulkItem, error) {
	for field := range patch {
		r.bulkFields = append(r.bulkFields, field)
	}

	return r.Store.BulkUpdate(ctx, ids, patch, policy)
}

func TestInvalidateByRealmAndUserOrdering(t *testing.T) {
	env := newTestEnv(t)

	created := env.createPair(t, "alice", "r1")
	env.createPair(t, "bob", "r1")
	env.createPair(t, "alice", "r2")

	recorder := &recordingStore{Store: env.store}
	env.service.repo.store = recorder

	result, err := env.service.InvalidateActiveTokensForRealmAndUser(env.ctx, "r1", "alice")
	require.NoError(t, err)

	require.Len(t, result.Invalidated, 1)
	assert.Equal(t, docID(created.UserToken.ID), result.Invalidated[0])

	// refresh tokens die before access tokens so a racing refresh cannot mint
	// a replacement
	assert.Equal(t, []string{"refresh_token", "access_token"}, recorder.bulkFields)

	// both credentials of the pair are dead
	_, err = env.service.Authenticate(env.ctx, created.AccessToken)
	assert.Equal(t, KindExpired, KindOf(err))

	_, err = env.service.Refresh(env.ctx, created.RefreshToken, clientAuth("alice", "r1"))
	assert.Equal(t, KindInvalidGrant, KindOf(err))
}

func TestInvalidateByRealmAndUserRequiresFilter(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.InvalidateActiveTokensForRealmAndUser(env.ctx, "", "")
	require.Error(t, err)
}

func TestInvalidateByRealmNoMatches(t *testing.T) {
	env := newTestEnv(t)

	env.createPair(t, "alice", "r1")

	result, err := env.service.InvalidateActiveTokensForRealmAndUser(env.ctx, "other-realm", "")
	require.NoError(t, err)
	assert.Empty(t, result.Invalidated)
	assert.Empty(t, result.PreviouslyInvalidated)
	assert.Empty(t, result.Errors)
}

func TestInvalidationRetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t)

	created := env.createPair(t, "alice", "r1")

	failures := 2

	env.store.SetHook(func(op inmem.Op, _ string) error {
		if op == inmem.OpBulk && failures > 0 {
			failures--

			return store.ErrUnavailable
		}

		return nil
	})

	result, err := env.service.InvalidateAccessToken(env.ctx, created.AccessToken)
	require.NoError(t, err)

	assert.Equal(t, []string{docID(created.UserToken.ID)}, result.Invalidated)
	assert.Empty(t, result.Errors)
}

func TestInvalidationAccumulatesFailures(t *testing.T) {
	env := newTestEnv(t)

	created := env.createPair(t, "alice", "r1")

	env.store.SetHook(func(op inmem.Op, _ string) error {
		if op == inmem.OpBulk {
			return store.ErrUnavailable
		}

		return nil
	})

	result, err := env.service.InvalidateAccessToken(env.ctx, created.AccessToken)
	require.NoError(t, err)

	assert.Empty(t, result.Invalidated)
	require.NotEmpty(t, result.Errors)
	require.Error(t, result.Err())
	assert.ErrorIs(t, result.Err(), store.ErrUnavailable)
}

func TestInvalidationPermanentItemFailure(t *testing.T) {
	env := newTestEnv(t)

	created := env.createPair(t, "alice", "r1")

	// a document id that does not exist fails permanently and is not retried
	otherID := docID(newTokenID())

	result, err := env.service.indexInvalidation(env.ctx, []string{docID(created.UserToken.ID), otherID}, "access_token")
	require.NoError(t, err)

	assert.Equal(t, []string{docID(created.UserToken.ID)}, result.Invalidated)
	require.Len(t, result.Errors, 1)
	assert.ErrorIs(t, result.Errors[0], store.ErrNotFound)
}

func TestSweeperTrigger(t *testing.T) {
	env := newTestEnv(t)

	created := env.createPair(t, "alice", "r1")

	_, err := env.service.InvalidateAccessToken(env.ctx, created.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int32(1), env.remover.count.Load())

	// within the delete interval nothing new is submitted
	_, err = env.service.InvalidateAccessToken(env.ctx, created.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int32(1), env.remover.count.Load())

	env.mock.Add(31 * time.Minute)

	_, err = env.service.InvalidateAccessToken(env.ctx, created.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int32(2), env.remover.count.Load())
}

// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package keys_test

import (
	"context"
	"testing"

	"github.com/blang/semver/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/strandlabs/strand/internal/pkg/clustermeta"
	"github.com/strandlabs/strand/internal/pkg/keys"
)

func newManager(t *testing.T, leader bool) (*keys.Manager, *clustermeta.LocalChannel) {
	t.Helper()

	channel := clustermeta.NewLocalChannel(semver.MustParse("7.2.0"), leader, zaptest.NewLogger(t))

	manager, err := keys.NewManager(channel, zaptest.NewLogger(t))
	require.NoError(t, err)

	return manager, channel
}

func TestStartupRing(t *testing.T) {
	manager, _ := newManager(t, true)

	ring := manager.Ring()

	assert.Equal(t, 1, ring.Len())
	assert.Equal(t, ring.ActiveHash(), ring.Newest().Hash())
	assert.Equal(t, ring.Active(), ring.Newest())
}

func TestGenerateAndRotate(t *testing.T) {
	manager, _ := newManager(t, true)

	activeBefore := manager.Ring().ActiveHash()

	// no spare exists yet
	_, err := manager.RotateToSpareKey()
	require.ErrorIs(t, err, keys.ErrNoSpareKey)

	withSpare, err := manager.GenerateSpareKey()
	require.NoError(t, err)

	require.Len(t, withSpare.Keys, 2)
	assert.Equal(t, activeBefore, withSpare.ActiveKeyHash)

	// the ring changes only once the metadata is applied
	assert.Equal(t, 1, manager.Ring().Len())

	require.NoError(t, manager.RefreshMetadata(withSpare))
	assert.Equal(t, 2, manager.Ring().Len())
	assert.Equal(t, activeBefore, manager.Ring().ActiveHash())

	// generating again while a spare exists returns the same set
	same, err := manager.GenerateSpareKey()
	require.NoError(t, err)
	assert.Len(t, same.Keys, 2)

	rotated, err := manager.RotateToSpareKey()
	require.NoError(t, err)
	assert.NotEqual(t, activeBefore, rotated.ActiveKeyHash)

	require.NoError(t, manager.RefreshMetadata(rotated))
	assert.Equal(t, rotated.ActiveKeyHash, manager.Ring().ActiveHash())
	assert.Equal(t, manager.Ring().Newest().Hash(), manager.Ring().ActiveHash())
}

func TestPruneKeepsActive(t *testing.T) {
	manager, _ := newManager(t, true)

	withSpare, err := manager.GenerateSpareKey()
	require.NoError(t, err)
	require.NoError(t, manager.RefreshMetadata(withSpare))

	// the active key is older than the spare, but pruning pins it
	pruned := manager.PruneKeys(1)
	assert.Len(t, pruned.Keys, 2)
	assert.Equal(t, manager.Ring().ActiveHash(), pruned.ActiveKeyHash)

	rotated, err := manager.RotateToSpareKey()
	require.NoError(t, err)
	require.NoError(t, manager.RefreshMetadata(rotated))

	// with the newest key active, pruning to one drops the rest
	pruned = manager.PruneKeys(1)
	require.Len(t, pruned.Keys, 1)
	assert.Equal(t, manager.Ring().ActiveHash(), keys.HashPassphrase(pruned.Keys[0].Passphrase))

	require.NoError(t, manager.RefreshMetadata(pruned))
	assert.Equal(t, 1, manager.Ring().Len())
}

func TestRefreshMetadataPreservesDerivedKeys(t *testing.T) {
	manager, _ := newManager(t, true)

	active := manager.Ring().Active()

	salt, err := keys.NewSalt()
	require.NoError(t, err)

	derived := active.DeriveKey(salt)

	require.NoError(t, manager.RefreshMetadata(manager.TokenMetadata()))

	entry, ok := manager.Ring().Get(active.Hash())
	require.True(t, ok)

	cached, ok := entry.CachedKey(salt)
	require.True(t, ok, "existing entries keep their derived-key cache")
	assert.Equal(t, derived, cached)
}

func TestRefreshMetadataMissingActiveKey(t *testing.T) {
	manager, _ := newManager(t, true)

	metadata := manager.TokenMetadata()
	metadata.ActiveKeyHash = keys.KeyHash{1, 2, 3, 4, 5, 6, 7, 8}

	require.Error(t, manager.RefreshMetadata(metadata))
}

func TestRotateOnLeader(t *testing.T) {
	manager, channel := newManager(t, true)

	activeBefore := manager.Ring().ActiveHash()

	require.NoError(t, manager.RotateOnLeader(context.Background()))

	ring := manager.Ring()

	assert.Equal(t, 2, ring.Len())
	assert.NotEqual(t, activeBefore, ring.ActiveHash())
	assert.Equal(t, ring.Newest().Hash(), ring.ActiveHash())

	// the previous key is retained for decoding outstanding tokens
	_, ok := ring.Get(activeBefore)
	assert.True(t, ok)

	// the channel holds the rotated metadata
	replicated, err := channel.TokenMetadata(context.Background())
	require.NoError(t, err)
	require.NotNil(t, replicated)
	assert.Equal(t, ring.ActiveHash(), replicated.ActiveKeyHash)
}

func TestRotateOnFollowerFails(t *testing.T) {
	manager, _ := newManager(t, false)

	require.Error(t, manager.RotateOnLeader(context.Background()))
}

func TestInstallTokenMetadataOnce(t *testing.T) {
	manager, channel := newManager(t, true)

	ctx := context.Background()

	require.NoError(t, manager.InstallTokenMetadataIfEmpty(ctx))

	installed, err := channel.TokenMetadata(ctx)
	require.NoError(t, err)
	require.NotNil(t, installed)

	// a second install does not replace the slot
	require.NoError(t, manager.RotateOnLeader(ctx))

	before, err := channel.TokenMetadata(ctx)
	require.NoError(t, err)

	require.NoError(t, manager.InstallTokenMetadataIfEmpty(ctx))

	after, err := channel.TokenMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.ActiveKeyHash, after.ActiveKeyHash)
	assert.Len(t, after.Keys, len(before.Keys))
}

func TestTimestampsMonotonic(t *testing.T) {
	manager, _ := newManager(t, true)

	seen := int64(0)

	for range 5 {
		withSpare, err := manager.GenerateSpareKey()
		require.NoError(t, err)
		require.NoError(t, manager.RefreshMetadata(withSpare))

		rotated, err := manager.RotateToSpareKey()
		require.NoError(t, err)
		require.NoError(t, manager.RefreshMetadata(rotated))

		newest := manager.Ring().Newest().Timestamp()
		assert.Greater(t, newest, seen)

		seen = newest
	}
}

// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package clustermeta_test

import (
	"context"
	"testing"
	"time"

	"github.com/blang/semver/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/strandlabs/strand/internal/pkg/clustermeta"
	"github.com/strandlabs/strand/internal/pkg/keys"
)

func testMetadata(t *testing.T) keys.TokenMetadata {
	t.Helper()

	passphrase, err := keys.NewPassphrase()
	require.NoError(t, err)

	return keys.TokenMetadata{
		Keys:          []keys.KeyAndTimestamp{{Passphrase: passphrase, Timestamp: 1}},
		ActiveKeyHash: keys.HashPassphrase(passphrase),
	}
}

func TestSubmitAndGet(t *testing.T) {
	ctx := context.Background()
	channel := clustermeta.NewLocalChannel(semver.MustParse("7.2.0"), true, zaptest.NewLogger(t))

	installed, err := channel.TokenMetadata(ctx)
	require.NoError(t, err)
	assert.Nil(t, installed)

	metadata := testMetadata(t)

	require.NoError(t, channel.SubmitTokenMetadata(ctx, metadata))

	installed, err = channel.TokenMetadata(ctx)
	require.NoError(t, err)
	require.NotNil(t, installed)
	assert.Equal(t, metadata.ActiveKeyHash, installed.ActiveKeyHash)

	// the returned copy does not alias the stored passphrases
	keys.Wipe(installed.Keys[0].Passphrase)

	again, err := channel.TokenMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, metadata.Keys[0].Passphrase, again.Keys[0].Passphrase)
}

func TestWatchDeliversUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	channel := clustermeta.NewLocalChannel(semver.MustParse("7.2.0"), true, zaptest.NewLogger(t))

	updates := make(chan keys.TokenMetadata, 4)
	require.NoError(t, channel.WatchTokenMetadata(ctx, updates))

	metadata := testMetadata(t)
	require.NoError(t, channel.SubmitTokenMetadata(ctx, metadata))

	select {
	case update := <-updates:
		assert.Equal(t, metadata.ActiveKeyHash, update.ActiveKeyHash)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for metadata update")
	}
}

func TestLeaderAndVersion(t *testing.T) {
	channel := clustermeta.NewLocalChannel(semver.MustParse("7.0.0"), false, zaptest.NewLogger(t))

	assert.False(t, channel.IsLeader())
	channel.SetLeader(true)
	assert.True(t, channel.IsLeader())

	assert.Equal(t, semver.MustParse("7.0.0"), channel.MinimumNodeVersion())
	channel.SetMinimumNodeVersion(semver.MustParse("7.1.0"))
	assert.Equal(t, semver.MustParse("7.1.0"), channel.MinimumNodeVersion())
}

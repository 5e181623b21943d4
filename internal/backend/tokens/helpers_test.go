// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package tokens

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/blang/semver/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/strandlabs/strand/internal/pkg/auth"
	"github.com/strandlabs/strand/internal/pkg/clustermeta"
	"github.com/strandlabs/strand/internal/pkg/config"
	"github.com/strandlabs/strand/internal/pkg/keys"
	"github.com/strandlabs/strand/internal/pkg/store/inmem"
)

type testRemover struct {
	count atomic.Int32
}

func (r *testRemover) Submit(time.Duration) {
	r.count.Add(1)
}

type testEnv struct {
	ctx     context.Context //nolint:containedctx
	service *Service
	store   *inmem.Store
	mock    *clock.Mock
	channel *clustermeta.LocalChannel
	keys    *keys.Manager
	remover *testRemover
}

func mockClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))

	return mock
}

func testBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retryMaxAttempts)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	return newTestEnvWithClock(t, mockClock())
}

func newTestEnvWithClock(t *testing.T, clk clock.Clock) *testEnv {
	t.Helper()

	logger := zaptest.NewLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	channel := clustermeta.NewLocalChannel(semver.MustParse("7.2.0"), true, logger)

	keyManager, err := keys.NewManager(channel, logger)
	require.NoError(t, err)

	deriver := keys.NewDeriver(logger)

	go deriver.Run(ctx) //nolint:errcheck

	st := inmem.New()
	remover := &testRemover{}

	service := NewService(config.Default(), st, keyManager, deriver, channel, remover, clk, logger)
	service.repo.newBackOff = testBackOff

	env := &testEnv{
		ctx:     ctx,
		service: service,
		store:   st,
		channel: channel,
		keys:    keyManager,
		remover: remover,
	}

	if mock, ok := clk.(*clock.Mock); ok {
		env.mock = mock
	}

	return env
}

func (e *testEnv) createPair(t *testing.T, user, realm string) *CreatedTokens {
	t.Helper()

	authentication := auth.Authentication{User: user, Realm: realm, Type: auth.TypeRealm}

	created, err := e.service.CreateTokens(e.ctx, authentication, authentication, map[string]any{}, true)
	require.NoError(t, err)
	require.NotEmpty(t, created.AccessToken)
	require.NotEmpty(t, created.RefreshToken)

	return created
}

// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/strandlabs/strand/internal/backend/logging"
	"github.com/strandlabs/strand/internal/pkg/origin"
	"github.com/strandlabs/strand/internal/pkg/store"
)

const (
	retryInitialInterval = 50 * time.Millisecond
	retryMultiplier      = 2
	retryMaxAttempts     = 8

	defaultSearchSize = 1000
)

// repository wraps the document store with the behaviors every token
// operation needs: index preparation before writes, security-origin tagging,
// and retry with exponential backoff on transient unavailability.
type repository struct {
	store      store.Store
	clock      clock.Clock
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

func newRepository(st store.Store, clk clock.Clock, logger *zap.Logger) *repository {
	return &repository{
		store:      st,
		clock:      clk,
		logger:     logger.With(logging.Component("token_repository")),
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.RandomizationFactor = 0
	bo.Multiplier = retryMultiplier
	bo.MaxElapsedTime = 0

	return backoff.WithMaxRetries(bo, retryMaxAttempts)
}

// retry runs fn, rescheduling it on transient unavailability until the
// backoff iterator is exhausted. The security-origin tag rides on the context
// so it survives across the waits.
func (r *repository) retry(ctx context.Context, bo backoff.BackOff, op string, fn func(ctx context.Context) error) error {
	ctx = origin.MarkContextAsSecurityOrigin(ctx)

	for {
		err := fn(ctx)
		if err == nil || !errors.Is(err, store.ErrUnavailable) {
			return err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			r.logger.Warn("retries exhausted", zap.String("operation", op), zap.Error(err))

			return err
		}

		r.logger.Debug("retrying on transient failure",
			zap.String("operation", op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(wait):
			}
		}
	}
}

// prepare gates writes on the security index being present and available,
// creating it when missing.
func (r *repository) prepare(ctx context.Context) error {
	state, err := r.store.State(ctx)
	if err != nil {
		return err
	}

	switch state {
	case store.IndexMissing:
		if err = r.store.EnsureIndex(ctx); err != nil {
			return fmt.Errorf("failed to create security index: %w", err)
		}
	case store.IndexUnavailable:
		return fmt.Errorf("security index is not available: %w", store.ErrUnavailable)
	case store.IndexReady:
	}

	return nil
}

func (r *repository) createDocument(ctx context.Context, id string, source json.RawMessage) error {
	return r.retry(ctx, r.newBackOff(), "create", func(ctx context.Context) error {
		if err := r.prepare(ctx); err != nil {
			return err
		}

		return r.store.Create(ctx, id, source, store.RefreshWaitUntil)
	})
}

func (r *repository) getDocument(ctx context.Context, bo backoff.BackOff, id string) (store.Document, error) {
	var doc store.Document

	err := r.retry(ctx, bo, "get", func(ctx context.Context) error {
		var getErr error

		doc, getErr = r.store.Get(ctx, id)

		return getErr
	})

	return doc, err
}

func (r *repository) search(ctx context.Context, bo backoff.BackOff, query store.Query) ([]store.Document, error) {
	if query.Size == 0 {
		query.Size = defaultSearchSize
	}

	var docs []store.Document

	err := r.retry(ctx, bo, "search", func(ctx context.Context) error {
		var searchErr error

		docs, searchErr = r.store.Search(ctx, query)

		return searchErr
	})

	return docs, err
}

// conditionalUpdate performs a single optimistic update attempt; the refresh
// engine owns the retry and conflict handling around it.
func (r *repository) conditionalUpdate(ctx context.Context, id string, patch store.Patch, seqNo, primaryTerm int64) (store.UpdateResult, error) {
	ctx = origin.MarkContextAsSecurityOrigin(ctx)

	if err := r.prepare(ctx); err != nil {
		return "", err
	}

	return r.store.Update(ctx, id, patch, seqNo, primaryTerm, store.RefreshImmediate)
}

// bulkUpdate performs a single bulk attempt; the invalidation engine retries
// the transiently failed subset itself.
func (r *repository) bulkUpdate(ctx context.Context, ids []string, patch store.Patch) ([]store.BulkItem, error) {
	ctx = origin.MarkContextAsSecurityOrigin(ctx)

	if err := r.prepare(ctx); err != nil {
		return nil, err
	}

	return r.store.BulkUpdate(ctx, ids, patch, store.RefreshWaitUntil)
}

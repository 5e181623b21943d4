// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/strandlabs/strand/internal/pkg/store"
)

// TokensInvalidationResult aggregates the outcome of an invalidation: which
// documents were newly marked, which already were, and which failed.
type TokensInvalidationResult struct {
	Invalidated           []string
	PreviouslyInvalidated []string
	Errors                []error
}

// Err folds the per-document failures into a single error, nil when there are
// none.
func (r *TokensInvalidationResult) Err() error {
	var err *multierror.Error

	for _, itemErr := range r.Errors {
		err = multierror.Append(err, itemErr)
	}

	return err.ErrorOrNil()
}

// InvalidateAccessToken marks the access token behind the bearer string as
// invalidated.
func (s *Service) InvalidateAccessToken(ctx context.Context, bearer string) (*TokensInvalidationResult, error) {
	if !s.cfg.Enabled {
		return nil, errDisabled()
	}

	s.maybeTriggerExpiredTokenRemover()

	tokenID := s.codec.Decode(ctx, bearer)
	if tokenID == "" {
		return nil, errMalformedToken(nil)
	}

	return s.indexInvalidation(ctx, []string{docID(tokenID)}, "access_token")
}

// InvalidateUserToken marks the access token as invalidated.
func (s *Service) InvalidateUserToken(ctx context.Context, token *UserToken) (*TokensInvalidationResult, error) {
	if !s.cfg.Enabled {
		return nil, errDisabled()
	}

	s.maybeTriggerExpiredTokenRemover()

	return s.indexInvalidation(ctx, []string{docID(token.ID)}, "access_token")
}

// InvalidateRefreshToken marks the refresh token as invalidated so it can no
// longer be exchanged.
func (s *Service) InvalidateRefreshToken(ctx context.Context, refreshToken string) (*TokensInvalidationResult, error) {
	if !s.cfg.Enabled {
		return nil, errDisabled()
	}

	s.maybeTriggerExpiredTokenRemover()

	raw, err := s.findTokenByRefreshToken(ctx, s.repo.newBackOff(), refreshToken)
	if err != nil {
		return nil, err
	}

	return s.indexInvalidation(ctx, []string{raw.ID}, "refresh_token")
}

// InvalidateActiveTokensForRealmAndUser invalidates every active token
// matching the realm and/or user. Refresh tokens are killed before access
// tokens, so a racing refresh cannot mint a replacement for a pair that is
// going away.
func (s *Service) InvalidateActiveTokensForRealmAndUser(ctx context.Context, realm, user string) (*TokensInvalidationResult, error) {
	if !s.cfg.Enabled {
		return nil, errDisabled()
	}

	if realm == "" && user == "" {
		return nil, errors.New("either a realm or a user must be provided")
	}

	s.maybeTriggerExpiredTokenRemover()

	ids, err := s.activeDocIDs(ctx, realm, user)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return &TokensInvalidationResult{}, nil
	}

	refreshResult, err := s.indexInvalidation(ctx, ids, "refresh_token")
	if err != nil {
		return refreshResult, err
	}

	accessResult, err := s.indexInvalidation(ctx, ids, "access_token")
	if err != nil {
		return accessResult, err
	}

	return mergeInvalidationResults(refreshResult, accessResult), nil
}

// activeDocIDs resolves the document ids of active tokens matching the realm
// and/or user. Index unavailability surfaces as an error.
func (s *Service) activeDocIDs(ctx context.Context, realm, user string) ([]string, error) {
	docs, err := s.repo.search(ctx, s.repo.newBackOff(), store.Query{
		Terms: map[string]any{
			"doc_type":                 docTypeToken,
			"access_token.invalidated": false,
		},
	})
	if err != nil {
		if errors.Is(err, store.ErrIndexMissing) {
			return nil, nil
		}

		return nil, errInternal("failed to search for active tokens", err)
	}

	now := s.clock.Now()

	var ids []string

	for _, raw := range docs {
		doc, parseErr := parseTokenDoc(raw.Source)
		if parseErr != nil {
			return nil, errMalformedToken(parseErr)
		}

		if realm != "" && doc.AccessToken.Realm != realm {
			continue
		}

		if user != "" && doc.AccessToken.UserToken.Authentication.User != user {
			continue
		}

		if now.After(time.UnixMilli(doc.AccessToken.UserToken.ExpirationTime)) {
			continue
		}

		ids = append(ids, raw.ID)
	}

	return ids, nil
}

// indexInvalidation bulk-marks <prefix>.invalidated on the documents,
// retrying the transiently failed subset with backoff and folding the partial
// results of every attempt into one aggregate.
func (s *Service) indexInvalidation(ctx context.Context, ids []string, prefix string) (*TokensInvalidationResult, error) {
	bo := s.repo.newBackOff()
	result := &TokensInvalidationResult{}
	patch := store.Patch{prefix: map[string]any{"invalidated": true}}

	pending := ids

	for len(pending) > 0 {
		items, err := s.repo.bulkUpdate(ctx, pending, patch)
		if err != nil {
			if !errors.Is(err, store.ErrUnavailable) {
				for _, id := range pending {
					result.Errors = append(result.Errors, fmt.Errorf("%s: %w", id, err))
				}

				break
			}

			// whole-request transient failure, retry the full pending set
			exhausted, waitErr := s.waitForRetry(ctx, bo, result, pending, err)
			if waitErr != nil {
				return result, waitErr
			}

			if exhausted {
				break
			}

			continue
		}

		var retriable []string

		for _, item := range items {
			switch {
			case item.Err != nil && errors.Is(item.Err, store.ErrUnavailable):
				retriable = append(retriable, item.ID)
			case item.Err != nil:
				result.Errors = append(result.Errors, fmt.Errorf("%s: %w", item.ID, item.Err))
			case item.Result == store.ResultUpdated:
				result.Invalidated = append(result.Invalidated, item.ID)
				s.metricInvalidated.Inc()
			default:
				result.PreviouslyInvalidated = append(result.PreviouslyInvalidated, item.ID)
			}
		}

		if len(retriable) == 0 {
			break
		}

		exhausted, waitErr := s.waitForRetry(ctx, bo, result, retriable, store.ErrUnavailable)
		if waitErr != nil {
			return result, waitErr
		}

		if exhausted {
			break
		}

		pending = retriable
	}

	if aggErr := result.Err(); aggErr != nil {
		s.logger.Warn("token invalidation completed with failures",
			zap.String("field", prefix),
			zap.Error(aggErr),
		)
	}

	return result, nil
}

// waitForRetry sleeps one backoff step; on exhaustion it converts the pending
// ids into failures recorded on the result and reports true.
func (s *Service) waitForRetry(
	ctx context.Context,
	bo backoff.BackOff,
	result *TokensInvalidationResult,
	pending []string,
	cause error,
) (exhausted bool, err error) {
	wait := bo.NextBackOff()
	if wait == backoff.Stop {
		for _, id := range pending {
			result.Errors = append(result.Errors, fmt.Errorf("%s: retries exhausted: %w", id, cause))
		}

		return true, nil
	}

	return false, s.sleep(ctx, wait)
}

func mergeInvalidationResults(refresh, access *TokensInvalidationResult) *TokensInvalidationResult {
	merged := &TokensInvalidationResult{
		Errors: append(append([]error(nil), refresh.Errors...), access.Errors...),
	}

	updated := map[string]struct{}{}

	for _, id := range append(append([]string(nil), refresh.Invalidated...), access.Invalidated...) {
		if _, seen := updated[id]; !seen {
			updated[id] = struct{}{}

			merged.Invalidated = append(merged.Invalidated, id)
		}
	}

	for _, id := range access.PreviouslyInvalidated {
		if _, wasUpdated := updated[id]; !wasUpdated {
			merged.PreviouslyInvalidated = append(merged.PreviouslyInvalidated, id)
		}
	}

	return merged
}

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
	"go.uber.org/zap"

	"github.com/strandlabs/strand/internal/backend/logging"
	"github.com/strandlabs/strand/internal/pkg/auth"
	"github.com/strandlabs/strand/internal/pkg/store"
)

// refreshWindow is the interval around the recorded refresh instant within
// which a duplicate refresh replays the superseding pair instead of failing.
// Past the window in either direction the grant is rejected; the backward
// bound guards against excessive clock skew between nodes.
const refreshWindow = 30 * time.Second

// Refresh exchanges a refresh token for a new token pair.
//
// Concurrent refreshes of the same document converge: exactly one caller wins
// the conditional update, and the others either replay the winner's result
// from inside the refresh window or lose the re-read and fail.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client auth.Authentication) (*CreatedTokens, error) {
	if !s.cfg.Enabled {
		return nil, errDisabled()
	}

	// one backoff budget is shared by all stages of this refresh
	bo := s.repo.newBackOff()

	raw, err := s.findTokenByRefreshToken(ctx, bo, refreshToken)
	if err != nil {
		return nil, err
	}

	for {
		doc, parseErr := parseTokenDoc(raw.Source)
		if parseErr != nil {
			return nil, errMalformedToken(parseErr)
		}

		if doc.RefreshToken == nil {
			return nil, errInvalidGrant("token document does not carry a refresh token", nil)
		}

		if err = s.checkClientCanRefresh(doc, client); err != nil {
			return nil, err
		}

		if doc.RefreshToken.Refreshed {
			return s.replaySupersededTokens(ctx, bo, doc)
		}

		created, reread, mintErr := s.mintSupersedingTokens(ctx, bo, raw, doc)
		if mintErr != nil || !reread {
			return created, mintErr
		}

		// lost the conditional update, re-read and run the checks again
		raw, err = s.repo.getDocument(ctx, bo, raw.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrIndexMissing) {
				return nil, errInvalidGrant("token document is no longer available", err)
			}

			return nil, errInternal("failed to re-read token document", err)
		}
	}
}

// findTokenByRefreshToken locates the single document holding the refresh
// token string.
func (s *Service) findTokenByRefreshToken(ctx context.Context, bo backoff.BackOff, refreshToken string) (store.Document, error) {
	docs, err := s.repo.search(ctx, bo, store.Query{
		Terms: map[string]any{
			"doc_type":            docTypeToken,
			"refresh_token.token": refreshToken,
		},
	})

	switch {
	case errors.Is(err, store.ErrIndexMissing):
		return store.Document{}, errInvalidGrant("could not find token document for refresh token", nil)
	case errors.Is(err, store.ErrUnavailable):
		return store.Document{}, errInvalidGrant("could not refresh token", err)
	case err != nil:
		return store.Document{}, errInternal("failed to search for refresh token", err)
	case len(docs) == 0:
		return store.Document{}, errInvalidGrant("could not find token document for refresh token", nil)
	case len(docs) > 1:
		return store.Document{}, errInternal("multiple token documents share one refresh token", nil)
	}

	if _, err = tokenIDFromDocID(docs[0].ID); err != nil {
		return store.Document{}, errInternal("inconsistent search response", err)
	}

	return docs[0], nil
}

// checkClientCanRefresh rejects grants that are stale, dead or presented by
// the wrong client.
func (s *Service) checkClientCanRefresh(doc *tokenDoc, client auth.Authentication) error {
	if s.clock.Now().Sub(time.UnixMilli(doc.CreationTime)) > refreshTokenValidity {
		return errInvalidGrant("refresh token is older than 24 hours", nil)
	}

	if doc.RefreshToken.Invalidated {
		return errInvalidGrant("refresh token has been invalidated", nil)
	}

	if doc.RefreshToken.Client.User != client.User || doc.RefreshToken.Client.Realm != client.Realm {
		return errInvalidGrant("tokens must be refreshed by the creating client", nil)
	}

	return nil
}

// replaySupersededTokens resolves a duplicate refresh: inside the refresh
// window the winner's superseding pair is returned, outside it the grant
// fails.
func (s *Service) replaySupersededTokens(ctx context.Context, bo backoff.BackOff, doc *tokenDoc) (*CreatedTokens, error) {
	original, err := doc.userToken()
	if err != nil {
		return nil, errMalformedToken(err)
	}

	// replays only exist for tokens minted by 7.1.0+ nodes
	if original.Version.LT(tokenIDOnlyVersion) {
		return nil, errInvalidGrant("token has already been refreshed", nil)
	}

	if doc.RefreshToken.RefreshTime == nil || doc.RefreshToken.SupersededBy == "" {
		return nil, errMalformedToken(&malformedDocError{field: "refresh_token.refresh_time"})
	}

	refreshTime := time.UnixMilli(*doc.RefreshToken.RefreshTime)
	now := s.clock.Now()

	if now.After(refreshTime.Add(refreshWindow)) {
		return nil, errInvalidGrant("token has already been refreshed", nil)
	}

	if now.Before(refreshTime.Add(-refreshWindow)) {
		return nil, errInvalidGrant("token was refreshed in the future, clock skew between nodes is too large", nil)
	}

	supersededID, err := tokenIDFromDocID(doc.RefreshToken.SupersededBy)
	if err != nil {
		return nil, errInternal("inconsistent superseding document id", err)
	}

	raw, err := s.awaitSupersedingDocument(ctx, bo, doc.RefreshToken.SupersededBy)
	if err != nil {
		return nil, err
	}

	superseding, err := parseTokenDoc(raw.Source)
	if err != nil {
		return nil, errMalformedToken(err)
	}

	token, err := superseding.userToken()
	if err != nil {
		return nil, errMalformedToken(err)
	}

	access, err := s.codec.Encode(ctx, token)
	if err != nil {
		return nil, err
	}

	created := &CreatedTokens{
		AccessToken: access,
		UserToken:   token,
	}

	if superseding.RefreshToken != nil {
		created.RefreshToken = superseding.RefreshToken.Token
	}

	s.logger.Debug("replayed refreshed token pair", logging.TokenID(supersededID))

	return created, nil
}

// awaitSupersedingDocument fetches the winner's document, backing off while
// the write is not yet visible.
func (s *Service) awaitSupersedingDocument(ctx context.Context, bo backoff.BackOff, id string) (store.Document, error) {
	for {
		raw, err := s.repo.getDocument(ctx, &backoff.StopBackOff{}, id)
		if err == nil {
			return raw, nil
		}

		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrUnavailable) {
			return store.Document{}, errInternal("failed to fetch superseding token document", err)
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return store.Document{}, errInvalidGrant("superseding token document is not visible", err)
		}

		if err = s.sleep(ctx, wait); err != nil {
			return store.Document{}, err
		}
	}
}

// mintSupersedingTokens runs the conditional update marking the original
// document refreshed and, on winning it, mints the superseding pair. The
// reread result asks the caller to re-read the document and restart the
// checks after a lost conditional update.
func (s *Service) mintSupersedingTokens(
	ctx context.Context,
	bo backoff.BackOff,
	raw store.Document,
	doc *tokenDoc,
) (created *CreatedTokens, reread bool, err error) {
	newID := newTokenID()

	patch := store.Patch{
		"refresh_token": map[string]any{
			"refreshed":     true,
			"refresh_time":  s.clock.Now().UnixMilli(),
			"superseded_by": docID(newID),
		},
	}

	for {
		result, updateErr := s.repo.conditionalUpdate(ctx, raw.ID, patch, raw.SeqNo, raw.PrimaryTerm)

		switch {
		case errors.Is(updateErr, store.ErrConflict):
			return nil, true, nil

		case errors.Is(updateErr, store.ErrUnavailable):
			if err = s.backOffOrFail(ctx, bo, updateErr); err != nil {
				return nil, false, err
			}

		case updateErr != nil:
			return nil, false, errInternal("failed to update token document", updateErr)

		case result == store.ResultUpdated:
			created, err = s.createSupersedingTokens(ctx, newID, doc)

			return created, false, err

		default:
			// unexpected non-update result, retry until the budget runs out
			s.logger.Warn("unexpected result of token document update",
				zap.String("result", string(result)),
				zap.String("doc_id", raw.ID),
			)

			if err = s.backOffOrFail(ctx, bo, nil); err != nil {
				return nil, false, err
			}
		}
	}
}

func (s *Service) backOffOrFail(ctx context.Context, bo backoff.BackOff, cause error) error {
	wait := bo.NextBackOff()
	if wait == backoff.Stop {
		return errInvalidGrant("could not refresh token", cause)
	}

	return s.sleep(ctx, wait)
}

func (s *Service) sleep(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("refresh interrupted: %w", ctx.Err())
	case <-s.clock.After(wait):
		return nil
	}
}

// createSupersedingTokens mints the new pair under the pre-allocated id,
// carrying over the original authentication and metadata retagged as
// token-derived.
func (s *Service) createSupersedingTokens(ctx context.Context, tokenID string, doc *tokenDoc) (*CreatedTokens, error) {
	authentication := doc.AccessToken.UserToken.Authentication
	authentication.Type = auth.TypeToken

	originating := auth.Authentication{
		User:  doc.RefreshToken.Client.User,
		Realm: doc.RefreshToken.Client.Realm,
		Type:  auth.TypeRealm,
	}

	created, err := s.mintTokens(ctx, tokenID, authentication, originating, doc.AccessToken.UserToken.Metadata, true)
	if err != nil {
		return nil, err
	}

	s.metricRefreshed.Inc()

	return created, nil
}

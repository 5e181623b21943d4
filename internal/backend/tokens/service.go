// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package tokens implements the bearer token service of the cluster: minting,
// validation, refresh, invalidation and the interplay with the replicated key
// ring and the security index.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/blang/semver/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/strandlabs/strand/internal/backend/logging"
	"github.com/strandlabs/strand/internal/pkg/auth"
	"github.com/strandlabs/strand/internal/pkg/config"
	"github.com/strandlabs/strand/internal/pkg/keys"
	"github.com/strandlabs/strand/internal/pkg/store"
)

// ClusterView is what the service needs to know about the cluster as a whole.
type ClusterView interface {
	// MinimumNodeVersion returns the lowest node version in the cluster.
	MinimumNodeVersion() semver.Version
}

// ExpiredTokenRemover submits the background sweep deleting expired token
// documents. Submission is fire-and-forget; the job itself runs elsewhere.
type ExpiredTokenRemover interface {
	Submit(timeout time.Duration)
}

// RemoverFunc adapts a function to the ExpiredTokenRemover interface.
type RemoverFunc func(timeout time.Duration)

// Submit implements ExpiredTokenRemover.
func (f RemoverFunc) Submit(timeout time.Duration) {
	f(timeout)
}

// CreatedTokens is a minted access/refresh pair.
type CreatedTokens struct {
	// AccessToken is the encoded bearer string.
	AccessToken string
	// RefreshToken exchanges for a new pair within 24 hours; empty when the
	// pair was minted without one.
	RefreshToken string
	// UserToken is the decoded access token.
	UserToken *UserToken
}

// Service is the token service. It is a long-lived resource owned by the
// hosting node; all dependencies are injected at construction.
type Service struct {
	repo    *repository
	keys    *keys.Manager
	codec   *Codec
	cluster ClusterView
	remover ExpiredTokenRemover
	clock   clock.Clock
	logger  *zap.Logger

	metricMinted, metricRefreshed, metricInvalidated prometheus.Counter

	lastExpirationRun atomic.Int64

	cfg config.Params
}

// NewService creates the token service.
func NewService(
	cfg config.Params,
	st store.Store,
	keyManager *keys.Manager,
	deriver *keys.Deriver,
	cluster ClusterView,
	remover ExpiredTokenRemover,
	clk clock.Clock,
	logger *zap.Logger,
) *Service {
	return &Service{
		cfg:     cfg,
		repo:    newRepository(st, clk, logger),
		keys:    keyManager,
		codec:   NewCodec(keyManager, deriver, logger),
		cluster: cluster,
		remover: remover,
		clock:   clk,
		logger:  logger.With(logging.Component("token_service")),
		metricMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strand_tokens_minted_total",
			Help: "Number of access tokens minted.",
		}),
		metricRefreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strand_tokens_refreshed_total",
			Help: "Number of successful token refreshes.",
		}),
		metricInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strand_tokens_invalidated_total",
			Help: "Number of token documents invalidated.",
		}),
	}
}

// CreateTokens mints a new access token for authentication, and a refresh
// token bound to the originating client when includeRefresh is set.
func (s *Service) CreateTokens(
	ctx context.Context,
	authentication auth.Authentication,
	originating auth.Authentication,
	metadata map[string]any,
	includeRefresh bool,
) (*CreatedTokens, error) {
	if !s.cfg.Enabled {
		return nil, errDisabled()
	}

	created, err := s.mintTokens(ctx, newTokenID(), authentication, originating, metadata, includeRefresh)
	if err != nil {
		return nil, err
	}

	s.metricMinted.Inc()

	return created, nil
}

// mintTokens stores and encodes a token pair under a pre-allocated id.
func (s *Service) mintTokens(
	ctx context.Context,
	tokenID string,
	authentication auth.Authentication,
	originating auth.Authentication,
	metadata map[string]any,
	includeRefresh bool,
) (*CreatedTokens, error) {
	version := s.cluster.MinimumNodeVersion()
	now := s.clock.Now()

	token := &UserToken{
		ID:             tokenID,
		Version:        version,
		Authentication: authentication,
		Metadata:       metadata,
		ExpirationTime: now.Add(s.cfg.TokenExpiration),
	}

	doc := &tokenDoc{
		DocType:      docTypeToken,
		CreationTime: now.UnixMilli(),
		AccessToken: &accessTokenDoc{
			Realm: authentication.Realm,
			UserToken: &userTokenDoc{
				ID:             token.ID,
				Version:        version.String(),
				Authentication: token.Authentication,
				Metadata:       token.Metadata,
				ExpirationTime: token.ExpirationTime.UnixMilli(),
			},
		},
	}

	created := &CreatedTokens{UserToken: token}

	if includeRefresh {
		created.RefreshToken = newTokenID()

		doc.RefreshToken = &refreshTokenDoc{
			Token: created.RefreshToken,
			Client: clientInfo{
				Type:  clientTypeUnassociated,
				User:  originating.User,
				Realm: originating.Realm,
			},
		}
	}

	source, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	if err = s.repo.createDocument(ctx, docID(tokenID), source); err != nil {
		return nil, fmt.Errorf("failed to store token document: %w", err)
	}

	if created.AccessToken, err = s.codec.Encode(ctx, token); err != nil {
		return nil, err
	}

	s.logger.Debug("minted token pair", logging.TokenID(tokenID))

	return created, nil
}

// Authenticate resolves a bearer string to its UserToken. A nil token with a
// nil error means the bearer is not recognized by this service and another
// authenticator may own it.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*UserToken, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}

	tokenID := s.codec.Decode(ctx, bearer)
	if tokenID == "" {
		return nil, nil
	}

	doc, found, err := s.loadTokenDoc(ctx, s.repo.newBackOff(), tokenID)
	if err != nil || !found {
		return nil, err
	}

	token, err := doc.userToken()
	if err != nil {
		return nil, errMalformedToken(err)
	}

	return token, s.checkValidity(doc, token)
}

// Validate checks that the token is not expired and not invalidated. A nil
// result with a nil error means the backing document is gone and the caller
// should treat the bearer as unauthenticated.
func (s *Service) Validate(ctx context.Context, token *UserToken) (*UserToken, error) {
	if !s.cfg.Enabled {
		return nil, errDisabled()
	}

	if s.clock.Now().After(token.ExpirationTime) {
		return nil, errExpiredToken()
	}

	doc, found, err := s.loadTokenDoc(ctx, s.repo.newBackOff(), token.ID)
	if err != nil || !found {
		return nil, err
	}

	return token, s.checkValidity(doc, token)
}

// loadTokenDoc fetches and parses a token document. Missing index and missing
// document both report found=false: the bearer may be foreign or already
// swept.
func (s *Service) loadTokenDoc(ctx context.Context, bo backoff.BackOff, tokenID string) (*tokenDoc, bool, error) {
	raw, err := s.repo.getDocument(ctx, bo, docID(tokenID))
	if err != nil {
		if errors.Is(err, store.ErrIndexMissing) || errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}

		return nil, false, errInternal("failed to fetch token document", err)
	}

	doc, err := parseTokenDoc(raw.Source)
	if err != nil {
		return nil, false, errMalformedToken(err)
	}

	return doc, true, nil
}

func (s *Service) checkValidity(doc *tokenDoc, token *UserToken) error {
	if s.clock.Now().After(token.ExpirationTime) {
		return errExpiredToken()
	}

	if doc.AccessToken.Invalidated {
		return errExpiredToken()
	}

	return nil
}

// ActiveTokensForRealm returns the unexpired, non-invalidated tokens minted
// against the realm. Index unavailability surfaces as an error; an index that
// was never created yields an empty result.
func (s *Service) ActiveTokensForRealm(ctx context.Context, realm string) ([]*UserToken, error) {
	return s.activeTokens(ctx, func(doc *tokenDoc) bool {
		return doc.AccessToken.Realm == realm
	})
}

// ActiveTokensForUser returns the unexpired, non-invalidated tokens of the
// user across all realms.
func (s *Service) ActiveTokensForUser(ctx context.Context, user string) ([]*UserToken, error) {
	return s.activeTokens(ctx, func(doc *tokenDoc) bool {
		return doc.AccessToken.UserToken.Authentication.User == user
	})
}

func (s *Service) activeTokens(ctx context.Context, filter func(*tokenDoc) bool) ([]*UserToken, error) {
	if !s.cfg.Enabled {
		return nil, errDisabled()
	}

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

	var tokens []*UserToken

	for _, raw := range docs {
		if _, err = tokenIDFromDocID(raw.ID); err != nil {
			return nil, errInternal("inconsistent search response", err)
		}

		doc, parseErr := parseTokenDoc(raw.Source)
		if parseErr != nil {
			return nil, errMalformedToken(parseErr)
		}

		if !filter(doc) {
			continue
		}

		token, tokenErr := doc.userToken()
		if tokenErr != nil {
			return nil, errMalformedToken(tokenErr)
		}

		if now.After(token.ExpirationTime) {
			continue
		}

		tokens = append(tokens, token)
	}

	return tokens, nil
}

// RotateKeysOnLeader initiates a cluster-wide token encryption key rotation.
// Only the elected leader may initiate; every node picks the new ring up from
// the replicated metadata.
func (s *Service) RotateKeysOnLeader(ctx context.Context) error {
	if !s.cfg.Enabled {
		return errDisabled()
	}

	return s.keys.RotateOnLeader(ctx)
}

// maybeTriggerExpiredTokenRemover submits the sweeper when more than the
// delete interval has passed since the previous submission. Competing callers
// race on the timestamp swap, so at most one submission happens per interval.
func (s *Service) maybeTriggerExpiredTokenRemover() {
	last := s.lastExpirationRun.Load()
	now := s.clock.Now().UnixMilli()

	if now-last <= s.cfg.DeleteInterval.Milliseconds() {
		return
	}

	if !s.lastExpirationRun.CompareAndSwap(last, now) {
		return
	}

	s.logger.Debug("triggering expired token sweep")
	s.remover.Submit(s.cfg.DeleteTimeout)
}

// Describe implements prometheus.Collector.
func (s *Service) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(s, ch)
}

// Collect implements prometheus.Collector.
func (s *Service) Collect(ch chan<- prometheus.Metric) {
	s.metricMinted.Collect(ch)
	s.metricRefreshed.Collect(ch)
	s.metricInvalidated.Collect(ch)
}

// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package keys

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/strandlabs/strand/internal/backend/logging"
)

// Deriver funnels all PBKDF2 work through a single worker goroutine, keeping
// it off request goroutines and throttling derivation floods against unknown
// salts. Concurrent requests for the same (key, salt) pair are collapsed.
type Deriver struct {
	requests chan derivationRequest
	logger   *zap.Logger

	metricCacheHits, metricCacheMisses prometheus.Counter

	group singleflight.Group
}

type derivationRequest struct {
	key  *KeyAndCache
	out  chan []byte
	salt Salt
}

// NewDeriver creates a Deriver. Run must be started before Derive is called.
func NewDeriver(logger *zap.Logger) *Deriver {
	return &Deriver{
		requests: make(chan derivationRequest),
		logger:   logger.With(logging.Component("key_deriver")),
		metricCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strand_token_derived_key_cache_hits_total",
			Help: "Number of derived key cache hits.",
		}),
		metricCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strand_token_derived_key_cache_misses_total",
			Help: "Number of derived key cache misses.",
		}),
	}
}

// Run processes derivation requests until the context is canceled.
func (d *Deriver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-d.requests:
			req.out <- req.key.DeriveKey(req.salt)
		}
	}
}

// Derive returns the AES key for the (key, salt) pair, computing it on the
// worker goroutine on a cache miss.
func (d *Deriver) Derive(ctx context.Context, key *KeyAndCache, salt Salt) ([]byte, error) {
	if derived, ok := key.CachedKey(salt); ok {
		d.metricCacheHits.Inc()

		return derived, nil
	}

	d.metricCacheMisses.Inc()

	results := d.group.DoChan(fmt.Sprintf("%s/%x", key.Hash(), salt), func() (any, error) {
		out := make(chan []byte, 1)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d.requests <- derivationRequest{key: key, salt: salt, out: out}:
		}

		return <-out, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}

		return result.Val.([]byte), nil //nolint:forcetypeassert
	}
}

// Describe implements prometheus.Collector.
func (d *Deriver) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(d, ch)
}

// Collect implements prometheus.Collector.
func (d *Deriver) Collect(ch chan<- prometheus.Metric) {
	d.metricCacheHits.Collect(ch)
	d.metricCacheMisses.Collect(ch)
}

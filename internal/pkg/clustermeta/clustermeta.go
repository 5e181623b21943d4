// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package clustermeta provides the cluster coordination view of a node: the
// replicated token-metadata slot, leader election state and the minimum node
// version across the cluster.
//
// The LocalChannel implementation keeps everything in process. It backs tests
// and single-node development; production deployments bind the same interfaces
// to the cluster coordination service.
package clustermeta

import (
	"context"
	"sync"

	"github.com/blang/semver/v4"
	"go.uber.org/zap"

	"github.com/strandlabs/strand/internal/backend/logging"
	"github.com/strandlabs/strand/internal/pkg/keys"
)

// LocalChannel is an in-process metadata channel. Submissions are acknowledged
// synchronously and delivered to every registered watcher with buffer room; a
// watcher whose channel is full misses the update.
type LocalChannel struct {
	logger *zap.Logger

	mu         sync.Mutex
	metadata   *keys.TokenMetadata
	watchers   map[chan<- keys.TokenMetadata]struct{}
	minVersion semver.Version
	leader     bool
}

// NewLocalChannel creates a LocalChannel.
func NewLocalChannel(minVersion semver.Version, leader bool, logger *zap.Logger) *LocalChannel {
	return &LocalChannel{
		logger:     logger.With(logging.Component("cluster_metadata")),
		watchers:   map[chan<- keys.TokenMetadata]struct{}{},
		minVersion: minVersion,
		leader:     leader,
	}
}

// SubmitTokenMetadata implements keys.MetadataChannel.
func (c *LocalChannel) SubmitTokenMetadata(_ context.Context, metadata keys.TokenMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cloned := metadata.Clone()
	c.metadata = &cloned

	for watcher := range c.watchers {
		select {
		case watcher <- metadata.Clone():
		default:
			c.logger.Warn("dropping token metadata update, watcher is not keeping up")
		}
	}

	return nil
}

// TokenMetadata implements keys.MetadataChannel.
func (c *LocalChannel) TokenMetadata(context.Context) (*keys.TokenMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.metadata == nil {
		return nil, nil //nolint:nilnil
	}

	cloned := c.metadata.Clone()

	return &cloned, nil
}

// WatchTokenMetadata implements keys.MetadataChannel.
func (c *LocalChannel) WatchTokenMetadata(ctx context.Context, ch chan<- keys.TokenMetadata) error {
	c.mu.Lock()
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()

		c.mu.Lock()
		delete(c.watchers, ch)
		c.mu.Unlock()
	}()

	return nil
}

// IsLeader implements keys.MetadataChannel.
func (c *LocalChannel) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.leader
}

// SetLeader updates the leader election state of this node.
func (c *LocalChannel) SetLeader(leader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.leader = leader
}

// MinimumNodeVersion returns the lowest node version present in the cluster.
func (c *LocalChannel) MinimumNodeVersion() semver.Version {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.minVersion
}

// SetMinimumNodeVersion updates the cluster minimum node version.
func (c *LocalChannel) SetMinimumNodeVersion(version semver.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.minVersion = version
}

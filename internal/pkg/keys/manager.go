// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/strandlabs/strand/internal/backend/logging"
)

// ErrNoSpareKey is returned by RotateToSpareKey when no spare key exists yet.
var ErrNoSpareKey = errors.New("no spare key has been generated, call GenerateSpareKey first")

// Manager owns the key ring of this node and drives cluster-wide key rotation
// through the metadata channel. The rotation operations are mutually
// exclusive; ring readers never take a lock.
type Manager struct {
	channel MetadataChannel
	logger  *zap.Logger

	ring              atomic.Pointer[Ring]
	createdTimestamps atomic.Int64
	installInProgress atomic.Bool

	// mu serializes GenerateSpareKey, RotateToSpareKey, PruneKeys,
	// RefreshMetadata and TokenMetadata.
	mu sync.Mutex
}

// NewManager creates a Manager with a single ephemeral startup key. The ring
// is replaced as soon as replicated metadata is observed.
func NewManager(channel MetadataChannel, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		channel: channel,
		logger:  logger.With(logging.Component("key_manager")),
	}

	passphrase, err := NewPassphrase()
	if err != nil {
		return nil, err
	}

	kc, err := NewKeyAndCache(KeyAndTimestamp{
		Passphrase: passphrase,
		Timestamp:  m.createdTimestamps.Add(1),
	})
	if err != nil {
		return nil, err
	}

	ring, err := NewRing(map[KeyHash]*KeyAndCache{kc.Hash(): kc}, kc.Hash())
	if err != nil {
		return nil, err
	}

	m.ring.Store(ring)

	return m, nil
}

// Ring returns the current key ring snapshot.
func (m *Manager) Ring() *Ring {
	return m.ring.Load()
}

// GenerateSpareKey returns metadata extended with a freshly generated key,
// leaving the active key unchanged. When a spare already exists the current
// metadata is returned as is. The local ring is not touched; it is rebuilt
// when the submitted metadata is observed back through the channel.
func (m *Manager) GenerateSpareKey() (TokenMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := m.ring.Load()

	if ring.Newest().Hash() != ring.ActiveHash() {
		return m.metadataLocked(ring), nil
	}

	for {
		passphrase, err := NewPassphrase()
		if err != nil {
			return TokenMetadata{}, err
		}

		if _, collision := ring.Get(HashPassphrase(passphrase)); collision {
			Wipe(passphrase)

			continue
		}

		metadata := m.metadataLocked(ring)
		metadata.Keys = append(metadata.Keys, KeyAndTimestamp{
			Passphrase: passphrase,
			Timestamp:  m.createdTimestamps.Add(1),
		})

		m.logger.Info("generated spare token encryption key",
			zap.Stringer("key_hash", HashPassphrase(passphrase)),
		)

		return metadata, nil
	}
}

// RotateToSpareKey returns metadata naming the newest key as active. It fails
// when no spare key has been generated since the last rotation.
func (m *Manager) RotateToSpareKey() (TokenMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := m.ring.Load()
	newest := ring.Newest()

	if newest.Hash() == ring.ActiveHash() {
		return TokenMetadata{}, ErrNoSpareKey
	}

	metadata := m.metadataLocked(ring)
	metadata.ActiveKeyHash = newest.Hash()

	m.logger.Info("rotating to spare token encryption key",
		zap.Stringer("key_hash", newest.Hash()),
	)

	return metadata, nil
}

// PruneKeys returns metadata keeping the numKeysToKeep entries with the
// largest timestamps. The currently active key is never dropped.
func (m *Manager) PruneKeys(numKeysToKeep int) TokenMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := m.ring.Load()

	entries := ring.All()

	// sort by timestamp descending, insertion sort over a handful of keys
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Timestamp() > entries[j-1].Timestamp(); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}

	metadata := TokenMetadata{ActiveKeyHash: ring.ActiveHash()}

	for i, kc := range entries {
		if i >= numKeysToKeep && kc.Hash() != ring.ActiveHash() {
			m.logger.Info("pruning token encryption key", zap.Stringer("key_hash", kc.Hash()))

			continue
		}

		metadata.Keys = append(metadata.Keys, kc.KeyAndTimestamp())
	}

	return metadata
}

// RefreshMetadata rebuilds the ring from replicated metadata, preserving the
// derived-key caches of keys that are already present. Keys that fall out of
// the ring are closed, zeroing their secrets.
func (m *Manager) RefreshMetadata(metadata TokenMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := m.ring.Load()

	entries := make(map[KeyHash]*KeyAndCache, len(metadata.Keys))
	maxTimestamp := int64(0)

	for _, key := range metadata.Keys {
		hash := HashPassphrase(key.Passphrase)

		if existing, ok := ring.Get(hash); ok {
			entries[hash] = existing
		} else {
			kc, err := NewKeyAndCache(KeyAndTimestamp{
				Passphrase: append([]byte(nil), key.Passphrase...),
				Timestamp:  key.Timestamp,
			})
			if err != nil {
				return err
			}

			entries[hash] = kc
		}

		if key.Timestamp > maxTimestamp {
			maxTimestamp = key.Timestamp
		}
	}

	newRing, err := NewRing(entries, metadata.ActiveKeyHash)
	if err != nil {
		return fmt.Errorf("refusing inconsistent token metadata: %w", err)
	}

	if current := m.createdTimestamps.Load(); maxTimestamp > current {
		m.createdTimestamps.Store(maxTimestamp)
	}

	m.ring.Store(newRing)

	for _, kc := range ring.All() {
		if _, kept := entries[kc.Hash()]; !kept {
			if closeErr := kc.Close(); closeErr != nil {
				m.logger.Warn("failed to close dropped key", zap.Error(closeErr))
			}
		}
	}

	m.logger.Info("refreshed token encryption key ring",
		zap.Int("keys", newRing.Len()),
		zap.Stringer("active_key_hash", newRing.ActiveHash()),
	)

	return nil
}

// TokenMetadata returns the current ring as replicated metadata.
func (m *Manager) TokenMetadata() TokenMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.metadataLocked(m.ring.Load())
}

func (m *Manager) metadataLocked(ring *Ring) TokenMetadata {
	metadata := TokenMetadata{ActiveKeyHash: ring.ActiveHash()}

	for _, kc := range ring.All() {
		metadata.Keys = append(metadata.Keys, kc.KeyAndTimestamp())
	}

	return metadata
}

// RotateOnLeader performs a full key rotation: submit metadata with a spare
// key, then submit metadata promoting it to active. Each submission is
// acknowledged before the next step. Only the elected leader initiates.
func (m *Manager) RotateOnLeader(ctx context.Context) error {
	if !m.channel.IsLeader() {
		return errors.New("key rotation can only be initiated on the elected leader")
	}

	withSpare, err := m.GenerateSpareKey()
	if err != nil {
		return fmt.Errorf("failed to generate spare key: %w", err)
	}

	if err = m.channel.SubmitTokenMetadata(ctx, withSpare); err != nil {
		return fmt.Errorf("failed to submit spare key metadata: %w", err)
	}

	// the channel delivers the update back through the watch as well; applying
	// here keeps the rotation sequence independent of watch delivery timing
	if err = m.RefreshMetadata(withSpare); err != nil {
		return err
	}

	rotated, err := m.RotateToSpareKey()
	if err != nil {
		return err
	}

	if err = m.channel.SubmitTokenMetadata(ctx, rotated); err != nil {
		return fmt.Errorf("failed to submit rotated metadata: %w", err)
	}

	return m.RefreshMetadata(rotated)
}

// InstallTokenMetadataIfEmpty submits this node's metadata once per cluster
// lifetime when the replicated slot is empty. Duplicate submissions across
// events are prevented by an in-flight flag.
func (m *Manager) InstallTokenMetadataIfEmpty(ctx context.Context) error {
	if !m.channel.IsLeader() {
		return nil
	}

	if !m.installInProgress.CompareAndSwap(false, true) {
		return nil
	}

	defer m.installInProgress.Store(false)

	installed, err := m.channel.TokenMetadata(ctx)
	if err != nil {
		return fmt.Errorf("failed to read token metadata: %w", err)
	}

	if installed != nil {
		return nil
	}

	m.logger.Info("installing initial token metadata")

	return m.channel.SubmitTokenMetadata(ctx, m.TokenMetadata())
}

// Run keeps the ring in sync with replicated metadata until the context is
// canceled. On startup it installs the initial metadata on the leader or
// applies the already replicated one.
func (m *Manager) Run(ctx context.Context) error {
	updates := make(chan TokenMetadata, 16)

	if err := m.channel.WatchTokenMetadata(ctx, updates); err != nil {
		return fmt.Errorf("failed to watch token metadata: %w", err)
	}

	installed, err := m.channel.TokenMetadata(ctx)
	if err != nil {
		return err
	}

	if installed == nil {
		if err = m.InstallTokenMetadataIfEmpty(ctx); err != nil {
			m.logger.Error("failed to install token metadata", zap.Error(err))
		}
	} else if err = m.RefreshMetadata(*installed); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case metadata := <-updates:
			if err = m.RefreshMetadata(metadata); err != nil {
				m.logger.Error("failed to apply token metadata", zap.Error(err))
			}
		}
	}
}

// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package keys

import "context"

// TokenMetadata is the replicated cluster metadata slot of the token service:
// the set of keys every node must hold and which one encodes new tokens.
type TokenMetadata struct {
	Keys          []KeyAndTimestamp
	ActiveKeyHash KeyHash
}

// Clone deep-copies the metadata, including the passphrases.
func (m TokenMetadata) Clone() TokenMetadata {
	cloned := TokenMetadata{
		Keys:          make([]KeyAndTimestamp, 0, len(m.Keys)),
		ActiveKeyHash: m.ActiveKeyHash,
	}

	for _, key := range m.Keys {
		cloned.Keys = append(cloned.Keys, KeyAndTimestamp{
			Passphrase: append([]byte(nil), key.Passphrase...),
			Timestamp:  key.Timestamp,
		})
	}

	return cloned
}

// MetadataChannel is what the key manager needs from the cluster-state
// coordination service: acknowledged urgent-priority metadata submissions and
// a watch over metadata changes.
type MetadataChannel interface {
	// SubmitTokenMetadata replicates the metadata cluster-wide and returns
	// once the update is acknowledged.
	SubmitTokenMetadata(ctx context.Context, metadata TokenMetadata) error

	// TokenMetadata returns the current replicated metadata, or nil when the
	// slot has never been installed.
	TokenMetadata(ctx context.Context) (*TokenMetadata, error)

	// WatchTokenMetadata registers ch to receive metadata updates until the
	// context is canceled. The channel should be buffered.
	WatchTokenMetadata(ctx context.Context, ch chan<- TokenMetadata) error

	// IsLeader reports whether this node is the elected cluster leader.
	IsLeader() bool
}

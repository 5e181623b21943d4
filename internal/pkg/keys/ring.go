// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package keys

import "fmt"

// Ring is an immutable snapshot of all known keys and which one is active.
// Rings are replaced by whole-object swap; readers see either the old or the
// new ring, never a partially updated one.
type Ring struct {
	entries    map[KeyHash]*KeyAndCache
	active     *KeyAndCache
	activeHash KeyHash
}

// NewRing builds a ring over the entries. The active hash must name one of them.
func NewRing(entries map[KeyHash]*KeyAndCache, activeHash KeyHash) (*Ring, error) {
	active, ok := entries[activeHash]
	if !ok {
		return nil, fmt.Errorf("active key %s is missing from the key ring", activeHash)
	}

	return &Ring{
		entries:    entries,
		active:     active,
		activeHash: activeHash,
	}, nil
}

// Active returns the active key.
func (r *Ring) Active() *KeyAndCache {
	return r.active
}

// ActiveHash returns the hash of the active key.
func (r *Ring) ActiveHash() KeyHash {
	return r.activeHash
}

// Get looks up a key by hash.
func (r *Ring) Get(hash KeyHash) (*KeyAndCache, bool) {
	kc, ok := r.entries[hash]

	return kc, ok
}

// Newest returns the entry with the largest timestamp.
func (r *Ring) Newest() *KeyAndCache {
	var newest *KeyAndCache

	for _, kc := range r.entries {
		if newest == nil || kc.Timestamp() > newest.Timestamp() {
			newest = kc
		}
	}

	return newest
}

// Len returns the number of keys in the ring.
func (r *Ring) Len() int {
	return len(r.entries)
}

// All returns the ring entries in unspecified order.
func (r *Ring) All() []*KeyAndCache {
	all := make([]*KeyAndCache, 0, len(r.entries))

	for _, kc := range r.entries {
		all = append(all, kc)
	}

	return all
}

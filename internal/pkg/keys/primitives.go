// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package keys implements the encryption key lifecycle of the token service:
// fixed-width key primitives, per-key derived-key caches, the immutable key
// ring and the rotation manager driven through replicated cluster metadata.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// KeyHashLen is the width of a key hash.
	KeyHashLen = 8
	// SaltLen is the width of a key derivation salt.
	SaltLen = 32
	// IVLen is the width of an AES-GCM initialization vector.
	IVLen = 12

	// passphraseEntropyLen is the number of random bytes behind a generated
	// passphrase; the passphrase itself is their url-safe base64 form.
	passphraseEntropyLen = 16
)

// KeyHash identifies a key across nodes: the first 8 bytes of the SHA-256
// over the passphrase.
type KeyHash [KeyHashLen]byte

// HashPassphrase computes the KeyHash of a passphrase.
func HashPassphrase(passphrase []byte) KeyHash {
	sum := sha256.Sum256(passphrase)

	var hash KeyHash

	copy(hash[:], sum[:KeyHashLen])

	return hash
}

// KeyHashFromBytes converts a raw slice into a KeyHash.
func KeyHashFromBytes(raw []byte) (KeyHash, error) {
	var hash KeyHash

	if len(raw) != KeyHashLen {
		return hash, fmt.Errorf("key hash must be %d bytes, got %d", KeyHashLen, len(raw))
	}

	copy(hash[:], raw)

	return hash, nil
}

func (h KeyHash) String() string {
	return hex.EncodeToString(h[:])
}

// Salt is a key derivation salt.
type Salt [SaltLen]byte

// NewSalt generates a random salt.
func NewSalt() (Salt, error) {
	var salt Salt

	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("failed to generate salt: %w", err)
	}

	return salt, nil
}

// SaltFromBytes converts a raw slice into a Salt.
func SaltFromBytes(raw []byte) (Salt, error) {
	var salt Salt

	if len(raw) != SaltLen {
		return salt, fmt.Errorf("salt must be %d bytes, got %d", SaltLen, len(raw))
	}

	copy(salt[:], raw)

	return salt, nil
}

// NewPassphrase generates a fresh random passphrase: url-safe unpadded base64
// chars over fresh entropy.
func NewPassphrase() ([]byte, error) {
	entropy := make([]byte, passphraseEntropyLen)

	if _, err := rand.Read(entropy); err != nil {
		return nil, fmt.Errorf("failed to generate passphrase: %w", err)
	}

	passphrase := make([]byte, base64.RawURLEncoding.EncodedLen(len(entropy)))
	base64.RawURLEncoding.Encode(passphrase, entropy)

	Wipe(entropy)

	return passphrase, nil
}

// Wipe overwrites the slice contents with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package keys

import (
	"crypto/sha512"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/pbkdf2"
)

const (
	derivedKeyCacheSize = 500
	derivedKeyCacheTTL  = 60 * time.Minute

	pbkdf2Iterations = 100_000
	derivedKeyLen    = 16
)

// KeyAndTimestamp is one replicated key: a secret passphrase plus the
// monotonically increasing timestamp assigned when it was generated.
type KeyAndTimestamp struct {
	Passphrase []byte
	Timestamp  int64
}

// Wipe zeroes the passphrase.
func (k KeyAndTimestamp) Wipe() {
	Wipe(k.Passphrase)
}

// KeyAndCache owns a single key together with a bounded cache of the AES keys
// derived from it per salt. Evicted and dropped derived keys are zeroed.
type KeyAndCache struct {
	cache *expirable.LRU[Salt, []byte]
	key   KeyAndTimestamp
	salt  Salt
	hash  KeyHash
}

// NewKeyAndCache builds a KeyAndCache around the key, picking a fresh
// encoding salt. The KeyAndCache takes ownership of the passphrase.
func NewKeyAndCache(key KeyAndTimestamp) (*KeyAndCache, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}

	return &KeyAndCache{
		key:  key,
		salt: salt,
		hash: HashPassphrase(key.Passphrase),
		cache: expirable.NewLRU[Salt, []byte](derivedKeyCacheSize, func(_ Salt, derived []byte) {
			Wipe(derived)
		}, derivedKeyCacheTTL),
	}, nil
}

// Hash returns the key hash.
func (kc *KeyAndCache) Hash() KeyHash {
	return kc.hash
}

// EncodingSalt returns the salt this key uses when encoding new tokens.
func (kc *KeyAndCache) EncodingSalt() Salt {
	return kc.salt
}

// Timestamp returns the key generation timestamp.
func (kc *KeyAndCache) Timestamp() int64 {
	return kc.key.Timestamp
}

// KeyAndTimestamp returns a copy of the underlying replicated key entry.
func (kc *KeyAndCache) KeyAndTimestamp() KeyAndTimestamp {
	return KeyAndTimestamp{
		Passphrase: append([]byte(nil), kc.key.Passphrase...),
		Timestamp:  kc.key.Timestamp,
	}
}

// CachedKey returns the derived key for the salt if it is in the cache. A hit
// restarts the entry's time to live, so entries expire after a period without
// access.
func (kc *KeyAndCache) CachedKey(salt Salt) ([]byte, bool) {
	derived, ok := kc.cache.Get(salt)
	if ok {
		kc.cache.Add(salt, derived)
	}

	return derived, ok
}

// DeriveKey derives the AES key for the salt and caches it. The derivation is
// deliberately expensive; callers route it through the Deriver so it never
// runs on request goroutines.
func (kc *KeyAndCache) DeriveKey(salt Salt) []byte {
	if derived, ok := kc.cache.Get(salt); ok {
		return derived
	}

	derived := computeSecretKey(kc.key.Passphrase, salt)

	kc.cache.Add(salt, derived)

	return derived
}

// Close drops all cached derived keys and zeroes the passphrase.
func (kc *KeyAndCache) Close() error {
	kc.cache.Purge()
	kc.key.Wipe()

	return nil
}

// computeSecretKey runs PBKDF2-HMAC-SHA512 over the passphrase and salt and
// returns a 128-bit AES key.
func computeSecretKey(passphrase []byte, salt Salt) []byte {
	return pbkdf2.Key(passphrase, salt[:], pbkdf2Iterations, derivedKeyLen, sha512.New)
}

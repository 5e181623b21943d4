// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package keys_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/internal/pkg/keys"
)

func TestHashPassphrase(t *testing.T) {
	first := keys.HashPassphrase([]byte("some passphrase"))
	second := keys.HashPassphrase([]byte("some passphrase"))
	other := keys.HashPassphrase([]byte("another passphrase"))

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.Len(t, first.String(), keys.KeyHashLen*2)
}

func TestNewPassphrase(t *testing.T) {
	first, err := keys.NewPassphrase()
	require.NoError(t, err)

	second, err := keys.NewPassphrase()
	require.NoError(t, err)

	// 128 bits of entropy as unpadded url-safe base64
	assert.Len(t, first, 22)
	assert.NotEqual(t, first, second)
}

func TestFixedWidthConversions(t *testing.T) {
	_, err := keys.SaltFromBytes(make([]byte, keys.SaltLen-1))
	require.Error(t, err)

	salt, err := keys.SaltFromBytes(bytes.Repeat([]byte{42}, keys.SaltLen))
	require.NoError(t, err)
	assert.EqualValues(t, 42, salt[0])

	_, err = keys.KeyHashFromBytes(make([]byte, 3))
	require.Error(t, err)

	hash, err := keys.KeyHashFromBytes(bytes.Repeat([]byte{7}, keys.KeyHashLen))
	require.NoError(t, err)
	assert.EqualValues(t, 7, hash[0])
}

func TestKeyAndCacheClose(t *testing.T) {
	passphrase, err := keys.NewPassphrase()
	require.NoError(t, err)

	kc, err := keys.NewKeyAndCache(keys.KeyAndTimestamp{Passphrase: passphrase, Timestamp: 1})
	require.NoError(t, err)

	require.NoError(t, kc.Close())

	// closing zeroes the owned passphrase
	assert.Equal(t, bytes.Repeat([]byte{0}, len(passphrase)), passphrase)
}

// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package tokens

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/blang/semver/v4"
	"go.uber.org/zap"

	"github.com/strandlabs/strand/internal/backend/logging"
	"github.com/strandlabs/strand/internal/pkg/keys"
)

// tokenIDOnlyVersion is the first cluster version whose bearer strings carry
// the token id in the clear; older clusters encrypt it.
var tokenIDOnlyVersion = semver.MustParse("7.1.0")

const versionWordLen = 4

// Codec translates between UserTokens and opaque bearer strings.
//
// The wire layout begins with a 4-byte version word. From 7.1.0 on the
// payload is just the length-prefixed token id; before that it is
// salt || key_hash || iv || AES-GCM(length-prefixed id) under a key derived
// from the ring entry named by key_hash.
type Codec struct {
	keys    *keys.Manager
	deriver *keys.Deriver
	logger  *zap.Logger
}

// NewCodec creates a Codec over the key ring and the derivation worker.
func NewCodec(keyManager *keys.Manager, deriver *keys.Deriver, logger *zap.Logger) *Codec {
	return &Codec{
		keys:    keyManager,
		deriver: deriver,
		logger:  logger.With(logging.Component("token_codec")),
	}
}

// versionID flattens a node version into the 4-byte wire word.
func versionID(version semver.Version) uint32 {
	return uint32(version.Major*1_000_000 + version.Minor*10_000 + version.Patch*100)
}

// Encode produces the opaque bearer string of the token. The format follows
// the token's version, stamped from the cluster minimum node version at mint
// time.
func (c *Codec) Encode(ctx context.Context, token *UserToken) (string, error) {
	var out []byte

	out = binary.BigEndian.AppendUint32(out, versionID(token.Version))

	payload := binary.AppendUvarint(nil, uint64(len(token.ID)))
	payload = append(payload, token.ID...)

	if token.Version.GE(tokenIDOnlyVersion) {
		out = append(out, payload...)

		return base64.StdEncoding.EncodeToString(out), nil
	}

	active := c.keys.Ring().Active()
	salt := active.EncodingSalt()

	derived, err := c.deriver.Derive(ctx, active, salt)
	if err != nil {
		return "", fmt.Errorf("failed to derive token encryption key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	iv := make([]byte, keys.IVLen)
	if _, err = rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	aad := append(out[:versionWordLen:versionWordLen], salt[:]...)

	hash := active.Hash()

	out = append(out, salt[:]...)
	out = append(out, hash[:]...)
	out = append(out, iv...)
	out = append(out, gcm.Seal(nil, iv, payload, aad)...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decode extracts the token id from a bearer string. Any failure yields an
// empty id with no error: the bearer may belong to another authenticator, so
// callers treat it as unauthenticated rather than erroring.
func (c *Codec) Decode(ctx context.Context, bearer string) string {
	raw, err := base64.StdEncoding.DecodeString(bearer)
	if err != nil {
		return ""
	}

	if len(raw) < versionWordLen {
		return ""
	}

	version := binary.BigEndian.Uint32(raw[:versionWordLen])
	rest := raw[versionWordLen:]

	if version >= versionID(tokenIDOnlyVersion) {
		return decodePayload(rest)
	}

	return c.decodeLegacy(ctx, raw[:versionWordLen], rest)
}

func (c *Codec) decodeLegacy(ctx context.Context, versionWord, rest []byte) string {
	if len(rest) < keys.SaltLen+keys.KeyHashLen+keys.IVLen {
		return ""
	}

	salt, err := keys.SaltFromBytes(rest[:keys.SaltLen])
	if err != nil {
		return ""
	}

	rest = rest[keys.SaltLen:]

	hash, err := keys.KeyHashFromBytes(rest[:keys.KeyHashLen])
	if err != nil {
		return ""
	}

	rest = rest[keys.KeyHashLen:]

	entry, ok := c.keys.Ring().Get(hash)
	if !ok {
		c.logger.Debug("bearer references an unknown key", zap.Stringer("key_hash", hash))

		return ""
	}

	derived, err := c.deriver.Derive(ctx, entry, salt)
	if err != nil {
		return ""
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return ""
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return ""
	}

	iv := rest[:keys.IVLen]
	ciphertext := rest[keys.IVLen:]

	aad := append(versionWord[:versionWordLen:versionWordLen], salt[:]...)

	payload, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return ""
	}

	return decodePayload(payload)
}

// decodePayload reads a length-prefixed token id, rejecting trailing garbage.
func decodePayload(payload []byte) string {
	length, n := binary.Uvarint(payload)
	if n <= 0 {
		return ""
	}

	payload = payload[n:]

	if uint64(len(payload)) != length {
		return ""
	}

	return string(payload)
}

// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package tokens

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blang/semver/v4"
	"github.com/google/uuid"

	"github.com/strandlabs/strand/internal/pkg/auth"
)

const (
	// DocPrefix prefixes every token document id in the security index.
	DocPrefix = "token_"

	// docTypeToken tags token documents for filtering.
	docTypeToken = "token"

	// refreshTokenValidity bounds how long after creation a token pair can be
	// refreshed, unconditionally.
	refreshTokenValidity = 24 * time.Hour
)

// UserToken is the in-memory form of an access token, reconstructable from
// its document.
type UserToken struct {
	Metadata       map[string]any
	ID             string
	Authentication auth.Authentication
	Version        semver.Version
	ExpirationTime time.Time
}

// tokenDoc is the persisted shape of a token pair. Encoded access bearer
// strings are never stored; the document carries the token id, the refresh
// token string and metadata.
type tokenDoc struct {
	AccessToken  *accessTokenDoc  `json:"access_token"`
	RefreshToken *refreshTokenDoc `json:"refresh_token,omitempty"`
	DocType      string           `json:"doc_type"`
	CreationTime int64            `json:"creation_time"`
}

type accessTokenDoc struct {
	UserToken   *userTokenDoc `json:"user_token"`
	Realm       string        `json:"realm"`
	Invalidated bool          `json:"invalidated"`
}

type userTokenDoc struct {
	Metadata       map[string]any      `json:"metadata"`
	ID             string              `json:"id"`
	Version        string              `json:"version"`
	Authentication auth.Authentication `json:"authentication"`
	ExpirationTime int64               `json:"expiration_time"`
}

type refreshTokenDoc struct {
	RefreshTime  *int64     `json:"refresh_time,omitempty"`
	Token        string     `json:"token"`
	SupersededBy string     `json:"superseded_by,omitempty"`
	Client       clientInfo `json:"client"`
	Invalidated  bool       `json:"invalidated"`
	Refreshed    bool       `json:"refreshed"`
}

type clientInfo struct {
	Type  string `json:"type"`
	User  string `json:"user"`
	Realm string `json:"realm"`
}

// clientTypeUnassociated marks refresh clients not bound to a registered
// OAuth2 client application.
const clientTypeUnassociated = "unassociated_client"

// malformedDocError reports a token document missing a mandatory field.
type malformedDocError struct {
	field string
}

func (e *malformedDocError) Error() string {
	return fmt.Sprintf("token document is malformed, missing field %q", e.field)
}

// parseTokenDoc decodes a document source, checking every mandatory field.
func parseTokenDoc(source []byte) (*tokenDoc, error) {
	var doc tokenDoc

	if err := json.Unmarshal(source, &doc); err != nil {
		return nil, fmt.Errorf("token document is not valid JSON: %w", err)
	}

	switch {
	case doc.DocType != docTypeToken:
		return nil, &malformedDocError{field: "doc_type"}
	case doc.CreationTime == 0:
		return nil, &malformedDocError{field: "creation_time"}
	case doc.AccessToken == nil:
		return nil, &malformedDocError{field: "access_token"}
	case doc.AccessToken.UserToken == nil:
		return nil, &malformedDocError{field: "access_token.user_token"}
	case doc.AccessToken.UserToken.ID == "":
		return nil, &malformedDocError{field: "access_token.user_token.id"}
	case doc.AccessToken.UserToken.Version == "":
		return nil, &malformedDocError{field: "access_token.user_token.version"}
	case doc.AccessToken.UserToken.ExpirationTime == 0:
		return nil, &malformedDocError{field: "access_token.user_token.expiration_time"}
	}

	if doc.RefreshToken != nil && doc.RefreshToken.Token == "" {
		return nil, &malformedDocError{field: "refresh_token.token"}
	}

	return &doc, nil
}

// userToken reconstructs the in-memory token from the document.
func (d *tokenDoc) userToken() (*UserToken, error) {
	version, err := semver.Parse(d.AccessToken.UserToken.Version)
	if err != nil {
		return nil, fmt.Errorf("token document carries invalid version %q: %w", d.AccessToken.UserToken.Version, err)
	}

	return &UserToken{
		ID:             d.AccessToken.UserToken.ID,
		Version:        version,
		Authentication: d.AccessToken.UserToken.Authentication,
		Metadata:       d.AccessToken.UserToken.Metadata,
		ExpirationTime: time.UnixMilli(d.AccessToken.UserToken.ExpirationTime),
	}, nil
}

// docID maps a token id to its document id.
func docID(tokenID string) string {
	return DocPrefix + tokenID
}

// tokenIDFromDocID strips the document id prefix. A response document without
// the prefix is a fatal inconsistency.
func tokenIDFromDocID(id string) (string, error) {
	if !strings.HasPrefix(id, DocPrefix) {
		return "", fmt.Errorf("document id %q does not start with %q", id, DocPrefix)
	}

	return id[len(DocPrefix):], nil
}

// newTokenID generates a 22-character url-safe base64 id over the 128 bits of
// a random (version 4) UUID.
func newTokenID() string {
	id := uuid.New()

	return base64.RawURLEncoding.EncodeToString(id[:])
}

// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package tokens

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies user-visible token service failures.
type ErrorKind int

const (
	// KindInternal is an unexpected failure or a fatal inconsistency.
	KindInternal ErrorKind = iota
	// KindDisabled means the token service is not enabled.
	KindDisabled
	// KindMalformed means the presented token could not be understood.
	KindMalformed
	// KindExpired means the token is past its lifetime or invalidated.
	KindExpired
	// KindInvalidGrant means a refresh grant was rejected.
	KindInvalidGrant
)

// Error is a user-visible token service failure carrying the HTTP response
// shape of its kind.
type Error struct {
	err         error
	description string
	kind        ErrorKind
	status      int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.description, e.err)
	}

	return e.description
}

// Unwrap returns the cause, if any.
func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the error classification.
func (e *Error) Kind() ErrorKind {
	return e.kind
}

// Status returns the HTTP status of the error.
func (e *Error) Status() int {
	return e.status
}

// Headers returns the response headers of the error.
func (e *Error) Headers() http.Header {
	headers := http.Header{}

	switch e.kind {
	case KindExpired, KindMalformed:
		headers.Set("WWW-Authenticate", fmt.Sprintf(
			`Bearer realm="security", error="invalid_token", error_description=%q`, e.description,
		))
	case KindInvalidGrant, KindDisabled:
		headers.Set("error_description", e.description)
	case KindInternal:
	}

	return headers
}

// KindOf extracts the kind from an error chain; unclassified errors report
// KindInternal.
func KindOf(err error) ErrorKind {
	var tokenErr *Error

	if errors.As(err, &tokenErr) {
		return tokenErr.Kind()
	}

	return KindInternal
}

func errDisabled() error {
	return &Error{
		kind:        KindDisabled,
		status:      http.StatusBadRequest,
		description: "security tokens are not enabled",
	}
}

func errExpiredToken() error {
	return &Error{
		kind:        KindExpired,
		status:      http.StatusUnauthorized,
		description: "The access token expired",
	}
}

func errMalformedToken(cause error) error {
	return &Error{
		kind:        KindMalformed,
		status:      http.StatusUnauthorized,
		description: "The access token is malformed",
		err:         cause,
	}
}

func errInvalidGrant(description string, cause error) error {
	return &Error{
		kind:        KindInvalidGrant,
		status:      http.StatusBadRequest,
		description: description,
		err:         cause,
	}
}

func errInternal(description string, cause error) error {
	return &Error{
		kind:        KindInternal,
		status:      http.StatusInternalServerError,
		description: description,
		err:         cause,
	}
}

// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package logging contains zap logging helpers.
package logging

import (
	"go.uber.org/zap"
)

// Component returns the well-known "component" zap field.
func Component(name string) zap.Field {
	return zap.String("component", name)
}

// TokenID returns the "token_id" zap field.
func TokenID(id string) zap.Field {
	return zap.String("token_id", id)
}

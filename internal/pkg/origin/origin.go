// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package origin marks request contexts with the subsystem that issued them.
//
// Index requests carry the security origin so that cluster auditing records
// them as internal maintenance traffic rather than user actions.
package origin

import (
	"context"

	"github.com/strandlabs/strand/internal/pkg/ctxstore"
)

// securityOriginKey is the context marker for security-subsystem requests.
type securityOriginKey struct{}

// MarkContextAsSecurityOrigin returns a derived context tagged with the security origin.
func MarkContextAsSecurityOrigin(ctx context.Context) context.Context {
	return ctxstore.WithValue(ctx, securityOriginKey{})
}

// ContextHasSecurityOrigin reports whether the context carries the security origin tag.
func ContextHasSecurityOrigin(ctx context.Context) bool {
	_, ok := ctxstore.Value[securityOriginKey](ctx)

	return ok
}

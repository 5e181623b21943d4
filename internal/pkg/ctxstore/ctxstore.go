// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package ctxstore stores values in a context under keys derived from the value type.
package ctxstore

import "context"

// typeKey is an empty struct parametrized by the value type. Two instantiations
// with different type arguments compare as different context keys, so every
// stored type gets its own collision-free slot without allocating.
type typeKey[T any] struct{}

// WithValue returns a derived context holding val under a key based on its type.
func WithValue[T any](ctx context.Context, val T) context.Context {
	return context.WithValue(ctx, typeKey[T]{}, val)
}

// Value extracts a value of type T from the context, if one was stored.
func Value[T any](ctx context.Context) (T, bool) {
	value := ctx.Value(typeKey[T]{})
	if value == nil {
		return *new(T), false
	}

	return value.(T), true //nolint:forcetypeassert
}

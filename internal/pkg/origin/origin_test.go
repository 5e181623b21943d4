// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package origin_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/strandlabs/strand/internal/pkg/origin"
)

func TestSecurityOrigin(t *testing.T) {
	ctx := context.Background()

	assert.False(t, origin.ContextHasSecurityOrigin(ctx))

	marked := origin.MarkContextAsSecurityOrigin(ctx)

	assert.True(t, origin.ContextHasSecurityOrigin(marked))
	assert.False(t, origin.ContextHasSecurityOrigin(ctx))
}

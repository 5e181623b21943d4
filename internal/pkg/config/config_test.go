// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/internal/pkg/config"
)

func TestDefaults(t *testing.T) {
	params := config.Default()

	require.NoError(t, params.Validate())

	assert.True(t, params.Enabled)
	assert.Equal(t, 20*time.Minute, params.TokenExpiration)
	assert.Equal(t, 30*time.Minute, params.DeleteInterval)
	assert.Zero(t, params.DeleteTimeout)
}

func TestValidateRanges(t *testing.T) {
	for _, test := range []struct {
		mutate func(*config.Params)
		name   string
		ok     bool
	}{
		{name: "defaults", mutate: func(*config.Params) {}, ok: true},
		{name: "expiration lower bound", mutate: func(p *config.Params) { p.TokenExpiration = time.Second }, ok: true},
		{name: "expiration upper bound", mutate: func(p *config.Params) { p.TokenExpiration = time.Hour }, ok: true},
		{name: "expiration too short", mutate: func(p *config.Params) { p.TokenExpiration = time.Millisecond }, ok: false},
		{name: "expiration too long", mutate: func(p *config.Params) { p.TokenExpiration = time.Hour + time.Second }, ok: false},
		{name: "zero delete interval", mutate: func(p *config.Params) { p.DeleteInterval = 0 }, ok: false},
		{name: "negative delete timeout", mutate: func(p *config.Params) { p.DeleteTimeout = -time.Second }, ok: false},
	} {
		t.Run(test.name, func(t *testing.T) {
			params := config.Default()
			test.mutate(&params)

			if test.ok {
				assert.NoError(t, params.Validate())
			} else {
				assert.Error(t, params.Validate())
			}
		})
	}
}

func TestLoadFrom(t *testing.T) {
	params, err := config.LoadFrom([]byte("tokenExpiration: 5m\nenabled: false\n"))
	require.NoError(t, err)

	assert.False(t, params.Enabled)
	assert.Equal(t, 5*time.Minute, params.TokenExpiration)
	assert.Equal(t, 30*time.Minute, params.DeleteInterval)

	_, err = config.LoadFrom([]byte("tokenExpiration: 2h\n"))
	require.Error(t, err)

	_, err = config.LoadFrom([]byte("{invalid yaml"))
	require.Error(t, err)
}

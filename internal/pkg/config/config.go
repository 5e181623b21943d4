// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package config contains the token service config loading functions.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinTokenExpiration is the lower bound for the access token lifetime.
	MinTokenExpiration = time.Second
	// MaxTokenExpiration is the upper bound for the access token lifetime.
	MaxTokenExpiration = time.Hour
)

// Params defines the token service configs.
//
//nolint:govet
type Params struct {
	// Enabled gates the whole token service. When false, public calls report
	// that tokens are not enabled, except bearer authentication, which reports
	// no token.
	Enabled bool `yaml:"enabled"`

	// TokenExpiration is the access token lifetime.
	TokenExpiration time.Duration `yaml:"tokenExpiration"`

	// DeleteInterval is the minimum interval between expired-token sweeper
	// submissions.
	DeleteInterval time.Duration `yaml:"deleteInterval"`

	// DeleteTimeout is the request timeout attached to sweeper submissions.
	// Zero means no timeout.
	DeleteTimeout time.Duration `yaml:"deleteTimeout"`
}

// Default returns Params with the default values set.
func Default() Params {
	return Params{
		Enabled:         true,
		TokenExpiration: 20 * time.Minute,
		DeleteInterval:  30 * time.Minute,
	}
}

// UnmarshalYAML implements yaml.Unmarshaler, reading durations in the
// "20m"/"30s" form.
func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Enabled         *bool  `yaml:"enabled"`
		TokenExpiration string `yaml:"tokenExpiration"`
		DeleteInterval  string `yaml:"deleteInterval"`
		DeleteTimeout   string `yaml:"deleteTimeout"`
	}

	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.Enabled != nil {
		p.Enabled = *raw.Enabled
	}

	for _, field := range []struct {
		dst  *time.Duration
		name string
		raw  string
	}{
		{dst: &p.TokenExpiration, name: "tokenExpiration", raw: raw.TokenExpiration},
		{dst: &p.DeleteInterval, name: "deleteInterval", raw: raw.DeleteInterval},
		{dst: &p.DeleteTimeout, name: "deleteTimeout", raw: raw.DeleteTimeout},
	} {
		if field.raw == "" {
			continue
		}

		parsed, err := time.ParseDuration(field.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		}

		*field.dst = parsed
	}

	return nil
}

// Validate checks the params ranges.
func (p Params) Validate() error {
	if p.TokenExpiration < MinTokenExpiration || p.TokenExpiration > MaxTokenExpiration {
		return fmt.Errorf("token expiration %s is out of range [%s, %s]", p.TokenExpiration, MinTokenExpiration, MaxTokenExpiration)
	}

	if p.DeleteInterval <= 0 {
		return fmt.Errorf("delete interval must be positive, got %s", p.DeleteInterval)
	}

	if p.DeleteTimeout < 0 {
		return fmt.Errorf("delete timeout must not be negative, got %s", p.DeleteTimeout)
	}

	return nil
}

// LoadFrom parses params from yaml bytes on top of the defaults.
func LoadFrom(data []byte) (Params, error) {
	params := Default()

	if err := yaml.Unmarshal(data, &params); err != nil {
		return Params{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := params.Validate(); err != nil {
		return Params{}, err
	}

	return params, nil
}

// Load reads params from a yaml file. An empty path returns the defaults.
func Load(path string) (Params, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFrom(data)
}

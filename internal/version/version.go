// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package version contains the project name and build information. It's a
// proper alternative to using -ldflags '-X ...'.
package version

import (
	"runtime/debug"
	"strings"
)

var (
	// Name declares the project name.
	Name = "strand-tokend"

	// Tag declares the project version, derived from build info when available.
	Tag = func() string {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return "unknown"
		}

		if info.Main.Version == "" || strings.HasPrefix(info.Main.Version, "(devel)") {
			return "devel"
		}

		return info.Main.Version
	}()
)

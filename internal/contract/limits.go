// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package contract defines the compiled-in limits of the package lifecycle
// manager and the environment overrides used for testing.
package contract

import (
	"os"
	"strconv"
)

const (
	// DefaultIconMaxBytes is the maximum size of a package icon file.
	DefaultIconMaxBytes = 256 * 1024 // 256 KiB

	// ReportMaxBytes is the maximum size of an installation report that
	// load() is willing to parse.
	ReportMaxBytes = 2 * 1024 * 1024 // 2 MiB

	// PackageIDMaxLength is the maximum length of a package id.
	PackageIDMaxLength = 150

	// ExtractChunkBytes is the copy chunk size during package extraction.
	// Cancellation and progress are checked once per chunk.
	ExtractChunkBytes = 64 * 1024
)

// IconMaxBytes returns the effective icon size limit.
// Controlled via env PKGD_ICON_MAX_BYTES; falls back to DefaultIconMaxBytes.
func IconMaxBytes() int64 {
	if v := os.Getenv("PKGD_ICON_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return DefaultIconMaxBytes
}

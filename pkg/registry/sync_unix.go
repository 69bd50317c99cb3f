// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build unix

package registry

import "golang.org/x/sys/unix"

// syncFilesystem flushes filesystem buffers after a commit.
func syncFilesystem() {
	unix.Sync()
}

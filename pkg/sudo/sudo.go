// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sudo gives the installer access to filesystem operations that may
// require elevated rights: recursive removal of files owned by per-package
// uids, and recursive chown/chmod for application-uid separation.
//
// Client is the interface the installer consumes. Three implementations
// exist:
//   - ShortCircuit executes the operations directly in-process (used when
//     the process is already privileged, and in tests),
//   - SocketClient forwards them over a socketpair to a helper process
//     running Server,
//   - Denier refuses them.
package sudo

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Client is the privileged-operation interface consumed by the installer.
type Client interface {
	// RemoveRecursive removes the file or directory tree at path.
	RemoveRecursive(path string) error

	// SetOwnerAndPermissionsRecursive changes owner, group and permission
	// bits of the whole tree at path. Directories additionally get the
	// matching search bits for every triad that has read or write access.
	SetOwnerAndPermissionsRecursive(path string, uid, gid int, mode os.FileMode) error
}

// ShortCircuit is the in-process implementation of Client. It performs the
// operations with the rights of the current process.
type ShortCircuit struct{}

// RemoveRecursive implements Client.
func (ShortCircuit) RemoveRecursive(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// SetOwnerAndPermissionsRecursive implements Client.
func (ShortCircuit) SetOwnerAndPermissionsRecursive(path string, uid, gid int, mode os.FileMode) error {
	return chownChmodRecursive(path, uid, gid, mode)
}

// directoryMode derives the permission bits for directories: the x bit is
// set for every triad that has read or write access.
func directoryMode(mode os.FileMode) os.FileMode {
	m := mode.Perm()
	if m&0o006 != 0 {
		m |= 0o001
	}
	if m&0o060 != 0 {
		m |= 0o010
	}
	if m&0o600 != 0 {
		m |= 0o100
	}
	return m
}

func chownChmodRecursive(path string, uid, gid int, mode os.FileMode) error {
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		m := mode.Perm()
		if d.IsDir() {
			m = directoryMode(mode)
		}
		if err := os.Chmod(p, m); err != nil {
			return err
		}
		return os.Chown(p, uid, gid)
	})
	if err != nil {
		return fmt.Errorf("could not recursively set owner and permissions on %s to %d:%d / %04o: %w",
			path, uid, gid, mode.Perm(), err)
	}
	return nil
}

// Denier is a Client whose every operation fails with an error saying that
// no privileged helper is available.
type Denier struct{}

// RemoveRecursive implements Client.
func (Denier) RemoveRecursive(path string) error {
	return fmt.Errorf("cannot remove %s: no privileged helper is available", path)
}

// SetOwnerAndPermissionsRecursive implements Client.
func (Denier) SetOwnerAndPermissionsRecursive(path string, uid, gid int, mode os.FileMode) error {
	return fmt.Errorf("cannot change ownership of %s: no privileged helper is available", path)
}

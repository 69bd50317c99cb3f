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

// Package scope provides drop-guards for filesystem mutations during package
// installation and removal.
//
// Every guard follows the same protocol: perform the operation, then either
// call Take() to commit it, or let a deferred Cleanup() roll it back. After
// Take(), Cleanup() is a no-op. This mirrors the transactional directory
// dance of the installer:
//
//	rn := scope.NewRenamer(nil)
//	defer rn.Cleanup()
//	if err := rn.Rename(dir, scope.NamePlusToName|scope.NameToNameMinus); err != nil {
//	    return err
//	}
//	// ... more fallible work ...
//	rn.Take() // point of no return, Cleanup() becomes a no-op
package scope

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// RemoveFunc removes a file or directory tree. Guards use os.RemoveAll
// unless a custom remover (e.g. the privileged helper) is supplied.
type RemoveFunc func(path string) error

func removeOrDefault(remove RemoveFunc, path string) error {
	if remove != nil {
		return remove(path)
	}
	return os.RemoveAll(path)
}

// DirCreator creates a directory and removes it again on Cleanup unless the
// creation was committed with Take.
type DirCreator struct {
	remove  RemoveFunc
	path    string
	created bool
	taken   bool
}

// NewDirCreator returns a DirCreator using the given remover for rollback
// (nil for os.RemoveAll).
func NewDirCreator(remove RemoveFunc) *DirCreator {
	return &DirCreator{remove: remove}
}

// Create creates the directory at path, including missing parents. If the
// directory already exists it is kept, unless replaceExisting is set, in
// which case it is removed and re-created.
func (d *DirCreator) Create(path string, replaceExisting bool) error {
	d.path = path

	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		if !replaceExisting {
			d.created = true
			return nil
		}
		if err := removeOrDefault(d.remove, path); err != nil {
			return fmt.Errorf("remove existing directory %s: %w", path, err)
		}
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	d.created = true
	return nil
}

// Take commits the creation; a later Cleanup will not remove the directory.
func (d *DirCreator) Take() {
	if d.created {
		d.taken = true
	}
}

// Path returns the created directory path.
func (d *DirCreator) Path() string {
	return d.path
}

// Cleanup removes the directory if it was created but not taken.
func (d *DirCreator) Cleanup() {
	if d.created && !d.taken {
		if err := removeOrDefault(d.remove, d.path); err != nil {
			slog.Error("scope.dir.cleanup", "path", d.path, "error", err)
		}
		d.taken = true
	}
}

// FileCreator creates (or truncates) a file and removes it again on Cleanup
// unless committed with Take.
type FileCreator struct {
	remove  RemoveFunc
	file    *os.File
	created bool
	taken   bool
}

// NewFileCreator returns a FileCreator using the given remover for rollback
// (nil for os.Remove semantics via os.RemoveAll).
func NewFileCreator(remove RemoveFunc) *FileCreator {
	return &FileCreator{remove: remove}
}

// Create opens the file at path for writing, truncating any existing file.
func (f *FileCreator) Create(path string) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create file %s: %w", path, err)
	}
	f.file = file
	f.created = true
	return nil
}

// File returns the open file handle.
func (f *FileCreator) File() *os.File {
	return f.file
}

// Take closes the file and commits its creation.
func (f *FileCreator) Take() error {
	if !f.created || f.taken {
		return nil
	}
	f.taken = true
	if err := f.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.file.Name(), err)
	}
	return nil
}

// Cleanup closes and removes the file if it was created but not taken.
func (f *FileCreator) Cleanup() {
	if !f.created || f.taken {
		return
	}
	f.taken = true
	name := f.file.Name()
	_ = f.file.Close()
	if err := removeOrDefault(f.remove, name); err != nil {
		slog.Error("scope.file.cleanup", "path", name, "error", err)
	}
}

// Mode selects which renames a Renamer carries out.
type Mode int

const (
	// NameToNameMinus backs up 'base' to 'base-'.
	NameToNameMinus Mode = 1 << iota

	// NamePlusToName promotes 'base+' to 'base'.
	NamePlusToName
)

// Renamer executes the requested subset of the backup and promote renames on
// a base path, in order, and undoes every completed rename on Cleanup unless
// committed with Take.
//
// When both renames are requested, the backup runs first and the promote
// only runs if the backup succeeded; if the promote then fails, the backup
// is undone before Rename returns. Callers may assume: on success the final
// state is reached; on failure either the original state is intact or a
// clearly-marked '-' backup remains.
type Renamer struct {
	remove    RemoveFunc
	basePath  string
	name      string
	requested Mode
	done      Mode
	taken     bool
}

// NewRenamer returns a Renamer using the given remover when a rename target
// has to be cleared first (nil for os.RemoveAll).
func NewRenamer(remove RemoveFunc) *Renamer {
	return &Renamer{remove: remove}
}

// BaseName returns the base path the renamer operates on.
func (r *Renamer) BaseName() string {
	return filepath.Join(r.basePath, r.name)
}

// IsRenamed reports whether the given rename was carried out.
func (r *Renamer) IsRenamed(mode Mode) bool {
	return r.done&mode != 0
}

// Rename performs the requested renames on baseName. It returns an error
// unless all requested renames were carried out.
func (r *Renamer) Rename(baseName string, modes Mode) error {
	abs, err := filepath.Abs(baseName)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", baseName, err)
	}
	r.basePath = filepath.Dir(abs)
	r.name = filepath.Base(abs)
	r.requested = modes

	backupRequired := modes&NameToNameMinus != 0

	if backupRequired {
		if err := r.internalRename(r.name, r.name+"-"); err != nil {
			return fmt.Errorf("could not rename '%s' to '%s-': %w", r.BaseName(), r.BaseName(), err)
		}
		r.done |= NameToNameMinus
	}
	if modes&NamePlusToName != 0 {
		if err := r.internalRename(r.name+"+", r.name); err != nil {
			if backupRequired {
				if undoErr := r.undo(); undoErr != nil {
					slog.Error("scope.rename.undo",
						"base", r.BaseName(), "error", undoErr)
				}
			}
			return fmt.Errorf("could not rename '%s+' to '%s': %w", r.BaseName(), r.BaseName(), err)
		}
		r.done |= NamePlusToName
	}
	return nil
}

// Take commits the renames; a later Cleanup will not undo them.
func (r *Renamer) Take() {
	r.taken = true
}

// Cleanup undoes every completed rename in reverse order, unless Take was
// called.
func (r *Renamer) Cleanup() {
	if r.taken {
		return
	}
	r.taken = true
	if err := r.undo(); err != nil {
		slog.Error("scope.rename.cleanup", "base", r.BaseName(), "error", err)
	}
}

func (r *Renamer) undo() error {
	if r.done&NamePlusToName != 0 {
		if err := r.internalRename(r.name, r.name+"+"); err != nil {
			return fmt.Errorf("failed to undo rename from '%s+' to '%s': %w", r.BaseName(), r.BaseName(), err)
		}
		r.done &^= NamePlusToName
	}
	if r.done&NameToNameMinus != 0 {
		if err := r.internalRename(r.name+"-", r.name); err != nil {
			return fmt.Errorf("failed to undo rename from '%s' to '%s-': %w", r.BaseName(), r.BaseName(), err)
		}
		r.done &^= NameToNameMinus
	}
	return nil
}

// internalRename renames from to to inside the base path. POSIX cannot
// atomically rename a directory over an existing non-empty directory, so an
// existing directory destination is removed first.
func (r *Renamer) internalRename(from, to string) error {
	fromPath := filepath.Join(r.basePath, from)
	toPath := filepath.Join(r.basePath, to)

	if fi, err := os.Stat(fromPath); err == nil && fi.IsDir() {
		if _, err := os.Stat(toPath); err == nil {
			if err := removeOrDefault(r.remove, toPath); err != nil {
				return fmt.Errorf("clear rename destination %s: %w", toPath, err)
			}
		}
	}
	return os.Rename(fromPath, toPath)
}

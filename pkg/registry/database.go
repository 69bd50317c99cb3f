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

package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/pkgd/pkg/manifest"
	"github.com/kraklabs/pkgd/pkg/report"
)

// database is the startup view of the filesystem: built-in manifests plus
// installed package directories. It performs no registry bookkeeping; the
// registry merges its results.
type database struct {
	builtInDirs     []string
	installationDir string
	logger          *slog.Logger
}

// scanResult is what the database delivers to the registry.
type scanResult struct {
	builtIn   []*manifest.PackageInfo
	installed []*manifest.PackageInfo

	// broken lists installed directory names whose manifest or
	// installation report could not be read or verified.
	broken []string
}

// scan reads all built-in manifest directories and the installed package
// directory. Built-in directories are scanned concurrently; a manifest
// error in a built-in location is fatal, while a broken installed entry is
// only recorded for cleanup.
func (db *database) scan() (*scanResult, error) {
	res := &scanResult{}

	var mu sync.Mutex
	var g errgroup.Group
	for _, dir := range db.builtInDirs {
		g.Go(func() error {
			infos, err := db.scanBuiltInDir(dir)
			if err != nil {
				return err
			}
			mu.Lock()
			res.builtIn = append(res.builtIn, infos...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// deterministic order regardless of scan concurrency
	sort.Slice(res.builtIn, func(i, j int) bool {
		return res.builtIn[i].ID < res.builtIn[j].ID
	})

	if db.installationDir != "" {
		if err := db.scanInstalledDir(res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// scanBuiltInDir loads every <dir>/<name>/info.yaml.
func (db *database) scanBuiltInDir(dir string) ([]*manifest.PackageInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan built-in package directory %s: %w", dir, err)
	}

	var infos []*manifest.PackageInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), "info.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		pi, err := manifest.FromManifest(manifestPath)
		if err != nil {
			return nil, fmt.Errorf("invalid built-in package manifest: %w", err)
		}
		pi.BuiltIn = true
		infos = append(infos, pi)
		db.logger.Debug("registry.scan.builtin", "package", pi.ID, "dir", dir)
	}
	return infos, nil
}

// scanInstalledDir loads every installed package: its manifest plus its
// installation report, which must exist and verify. Entries that fail are
// recorded as broken. Directory names carrying the transient '+'/'-'
// suffixes are left alone here; the cleanup sweep deletes them.
func (db *database) scanInstalledDir(res *scanResult) error {
	entries, err := os.ReadDir(db.installationDir)
	if err != nil {
		return fmt.Errorf("scan installation directory %s: %w", db.installationDir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() {
			continue
		}
		if strings.HasSuffix(name, "+") || strings.HasSuffix(name, "-") {
			continue
		}

		dir := filepath.Join(db.installationDir, name)

		pi, err := manifest.FromManifest(filepath.Join(dir, "info.yaml"))
		if err != nil {
			db.logger.Warn("registry.scan.broken", "dir", name, "error", err)
			res.broken = append(res.broken, name)
			continue
		}

		rpt, err := report.LoadFile(dir)
		if err != nil {
			db.logger.Warn("registry.scan.broken", "dir", name, "error", err)
			res.broken = append(res.broken, name)
			continue
		}

		if pi.ID != name || rpt.PackageID != name {
			db.logger.Warn("registry.scan.broken", "dir", name,
				"error", "directory, manifest and report ids do not match")
			res.broken = append(res.broken, name)
			continue
		}

		pi.InstallationReport = rpt
		res.installed = append(res.installed, pi)
		db.logger.Debug("registry.scan.installed", "package", pi.ID)
	}
	return nil
}

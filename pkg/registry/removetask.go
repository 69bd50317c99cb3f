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
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/kraklabs/pkgd/pkg/scope"
)

// removeTask performs one package deinstallation. For a built-in package
// with an update applied, removal reverts to the built-in's base manifest.
type removeTask struct {
	baseTask

	r                *Registry
	installationPath string
	documentPath     string
	keepDocuments    bool
	force            bool
	logger           *slog.Logger

	m             sync.Mutex
	canceled      bool
	canBeCanceled bool
}

func newRemoveTask(r *Registry, packageID string, keepDocuments, force bool) *removeTask {
	t := &removeTask{
		baseTask:         newBaseTask(),
		r:                r,
		installationPath: r.cfg.InstallationDir,
		documentPath:     r.cfg.DocumentDir,
		keepDocuments:    keepDocuments,
		force:            force,
		logger:           r.logger,
		canBeCanceled:    true,
	}
	t.setPackageID(packageID)
	return t
}

// cancel implements task. Removal can only be canceled before its renames.
func (t *removeTask) cancel() bool {
	t.m.Lock()
	defer t.m.Unlock()
	if t.canBeCanceled {
		t.canceled = true
	}
	return t.canceled
}

func (t *removeTask) isCanceled() bool {
	t.m.Lock()
	defer t.m.Unlock()
	return t.canceled
}

// execute runs the task to completion on its own goroutine.
func (t *removeTask) execute() {
	managerApproval := false
	err := t.run(&managerApproval)
	if err != nil {
		t.setError(taskError(err))

		if managerApproval {
			if !t.r.canceledPackageInstall(t.packageID()) {
				t.logger.Warn("registry.remove.rollback",
					"package", t.packageID(), "error", "could not re-enable package after a failed removal")
			}
		}
	}
}

func (t *removeTask) run(managerApproval *bool) error {
	id := t.packageID()

	// things might have changed since the task was enqueued (e.g. a second
	// deinstallation request), so re-validate everything
	snap, report := t.r.packageForRemoval(id)
	if snap == nil {
		return newError(KindNotInstalled, "cannot remove package %s because it is not installed", id)
	}
	if snap.BuiltIn && !snap.HasRemovableUpdate {
		return newError(KindRegistryConflict, "there is no removable update for the built-in package %s", id)
	}
	if !report && !t.force {
		return newError(KindRegistryConflict, "cannot remove package %s due to a missing installation report", id)
	}

	// the registry blocks the package for us
	if !t.r.startingPackageRemoval(id) {
		return newError(KindRegistryConflict, "the package manager rejected the removal of package %s", id)
	}
	*managerApproval = true

	// if any applications of this package were running, wait until all of
	// them have actually stopped
	for !t.isCanceled() && !t.r.allApplicationsStopped(id) {
		time.Sleep(stopPollInterval)
	}

	t.m.Lock()
	t.canBeCanceled = false
	if t.canceled {
		t.m.Unlock()
		return newError(KindCanceled, "canceled")
	}
	t.m.Unlock()

	t.r.commitMu.Lock()
	defer t.r.commitMu.Unlock()

	docDirRename := scope.NewRenamer(t.r.scopeRemover())
	defer docDirRename.Cleanup()
	appDirRename := scope.NewRenamer(t.r.scopeRemover())
	defer appDirRename.Cleanup()

	if !t.keepDocuments && t.documentPath != "" {
		docDir := filepath.Join(t.documentPath, id)
		if dirExists(docDir) {
			if err := docDirRename.Rename(docDir, scope.NameToNameMinus); err != nil {
				return newError(KindFilesystemError, "could not rename %s to %s-: %v", docDir, docDir, err)
			}
		}
	}

	appDir := filepath.Join(t.installationPath, id)
	if err := appDirRename.Rename(appDir, scope.NameToNameMinus); err != nil {
		return newError(KindFilesystemError, "could not rename %s to %s-: %v", appDir, appDir, err)
	}

	// point of no return
	t.setState(TaskCleaningUp)

	docDirRename.Take()
	appDirRename.Take()

	for _, rn := range []*scope.Renamer{docDirRename, appDirRename} {
		if rn.IsRenamed(scope.NameToNameMinus) {
			if err := t.r.removeRecursiveHelper(rn.BaseName() + "-"); err != nil {
				t.logger.Error("registry.remove.cleanup", "path", rn.BaseName()+"-", "error", err)
			}
		}
	}

	syncFilesystem()

	if !t.r.finishedPackageInstall(id) {
		t.logger.Warn("registry.remove.finish",
			"package", id, "error", "the registry did not approve the deinstallation")
	}
	return nil
}

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

/*
  Overview of what happens on an installation of a package with <id> into
  the installation directory:

  Step 1 -- extraction start
  ==========================

  extract info.yaml and the icon into a temporary scratch directory

  Step 2 -- after info.yaml and the icon arrived
  ==============================================

  delete a stale <id>+ leftover, create <id>+
  copy info.yaml and the icon over, redirect the extractor into <id>+
  hand the manifest to the registry (blocks the package)
  wait until all applications of the package have stopped

  Step 3 -- after extraction and signature verification
  =====================================================

  wait for the acknowledge decision

  Step 4 -- commit (serialized across all installation tasks)
  ===========================================================

  write the installation report into <id>+
  create the document directory (fresh installs only)
  chown/chmod <id>+ and the document directory (uid separation only)
  if <id> exists: rename <id> to <id>-
  rename <id>+ to <id>
  remove <id>- and sync
*/

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kraklabs/pkgd/internal/contract"
	"github.com/kraklabs/pkgd/pkg/manifest"
	"github.com/kraklabs/pkgd/pkg/pack"
	"github.com/kraklabs/pkgd/pkg/report"
	"github.com/kraklabs/pkgd/pkg/scope"
	"github.com/kraklabs/pkgd/pkg/signature"
)

// stopPollInterval is how often a task re-checks whether all applications
// of a blocked package have stopped.
const stopPollInterval = 30 * time.Millisecond

// installTask performs one package installation or update.
type installTask struct {
	baseTask

	r                *Registry
	sourceURL        string
	installationPath string
	documentPath     string
	logger           *slog.Logger

	m            sync.Mutex
	cond         *sync.Cond
	canceled     bool
	acknowledged bool
	extractor    *pack.Extractor

	extractedCount  int
	foundInfo       bool
	foundIcon       bool
	iconFileName    string
	info            *manifest.PackageInfo
	applicationUID  int
	managerApproval bool

	installationDirCreator *scope.DirCreator
	extractionDir          string // installationPath/<id>+
	appDir                 string // installationPath/<id>
}

func newInstallTask(r *Registry, sourceURL string) *installTask {
	t := &installTask{
		baseTask:         newBaseTask(),
		r:                r,
		sourceURL:        sourceURL,
		installationPath: r.cfg.InstallationDir,
		documentPath:     r.cfg.DocumentDir,
		logger:           r.logger,
		applicationUID:   UIDUnassigned,
	}
	t.cond = sync.NewCond(&t.m)
	return t
}

// cancel implements task. Cancellation is accepted until the acknowledge
// has been granted; after that the task is past its point of no return.
func (t *installTask) cancel() bool {
	t.m.Lock()
	defer t.m.Unlock()

	if t.acknowledged {
		return false
	}
	t.canceled = true
	if t.extractor != nil {
		t.extractor.Cancel()
	}
	t.cond.Broadcast()
	return true
}

// acknowledge lets the task proceed into its commit phase. Receiving it
// before extraction finished is tolerated; the task proceeds once
// extraction is done.
func (t *installTask) acknowledge() {
	t.m.Lock()
	defer t.m.Unlock()

	if t.canceled {
		return
	}
	t.acknowledged = true
	t.cond.Broadcast()
}

func (t *installTask) isCanceled() bool {
	t.m.Lock()
	defer t.m.Unlock()
	return t.canceled
}

// execute runs the task to completion on its own goroutine.
func (t *installTask) execute() {
	err := t.run()

	if t.installationDirCreator != nil {
		t.installationDirCreator.Cleanup()
	}

	if err != nil {
		e := taskError(err)
		t.setError(e)

		if t.managerApproval {
			if !t.r.canceledPackageInstall(t.packageID()) {
				t.logger.Warn("registry.install.rollback",
					"package", t.packageID(), "error", "could not remove package after a failed installation")
			}
		}
	}
}

func (t *installTask) run() error {
	if t.installationPath == "" {
		return newError(KindFilesystemError, "no installation location was configured")
	}

	scratch, err := os.MkdirTemp("", "pkgd-extract-")
	if err != nil {
		return newError(KindFilesystemError, "could not create a temporary extraction directory: %v", err)
	}
	defer os.RemoveAll(scratch)

	t.m.Lock()
	if t.canceled {
		t.m.Unlock()
		return newError(KindCanceled, "canceled")
	}
	t.extractor = pack.NewExtractor(t.sourceURL, scratch, t.logger)
	t.m.Unlock()

	t.extractor.SetProgressCallback(func(p float64) { t.setProgress(p) })
	t.extractor.SetFileExtractedCallback(t.checkExtractedFile)

	if _, err := t.extractor.Extract(); err != nil {
		return err
	}

	if !t.foundInfo || !t.foundIcon {
		return newError(KindMalformedPackage, "package did not contain a valid info.yaml and icon file")
	}

	if err := t.verifySignature(); err != nil {
		return err
	}

	t.r.onExtractionFinished(t)
	t.setState(TaskAwaitingAcknowledge)

	// wait until we get an acknowledge or we get canceled
	t.m.Lock()
	for !t.canceled && !t.acknowledged {
		t.cond.Wait()
	}
	// this is the last cancellation point
	if t.canceled {
		t.m.Unlock()
		return newError(KindCanceled, "canceled")
	}
	t.m.Unlock()

	t.setState(TaskInstalling)

	// however many extractions run in parallel, the final installation
	// steps are serialized across all tasks
	t.r.commitMu.Lock()
	err = t.finishInstallation()
	t.r.commitMu.Unlock()
	if err != nil {
		return err
	}

	// at this point the installation is done, so we cannot fail anymore
	if !t.r.finishedPackageInstall(t.packageID()) {
		t.logger.Warn("registry.install.finish",
			"package", t.packageID(), "error", "the registry rejected the finished installation")
	}
	return nil
}

// verifySignature applies the signature policy to the extracted package.
func (t *installTask) verifySignature() error {
	if t.r.cfg.AllowUnsignedPackages {
		return nil
	}

	rpt := t.extractor.Report()
	chain := t.r.cfg.CACertificates

	switch {
	case len(rpt.StoreSignature) > 0:
		if err := signature.VerifyStore(rpt.Digest, rpt.StoreSignature, chain, t.r.cfg.HardwareID); err != nil {
			return &Error{Kind: KindSignatureInvalid, Msg: "could not verify the package's store signature", Err: err}
		}
	case len(rpt.DeveloperSignature) > 0:
		if !t.r.cfg.DevelopmentMode {
			return newError(KindSignatureInvalid, "cannot install development packages on consumer devices")
		}
		if err := signature.Verify(rpt.Digest, rpt.DeveloperSignature, chain); err != nil {
			return &Error{Kind: KindSignatureInvalid, Msg: "could not verify the package's developer signature", Err: err}
		}
	default:
		return newError(KindUnsignedNotAllowed, "cannot install unsigned packages")
	}
	return nil
}

// checkExtractedFile runs as the extractor's per-file callback: it asserts
// the manifest/icon entry order, then performs the registry handshake and
// redirects the remaining extraction into the '+' directory.
func (t *installTask) checkExtractedFile(file string) error {
	t.extractedCount++

	switch t.extractedCount {
	case 1:
		if file != "info.yaml" {
			return newError(KindMalformedPackage, "info.yaml must be the first file in the package. Got '%s'", file)
		}
		info, err := manifest.FromManifest(filepath.Join(t.extractor.DestinationDirectory(), file))
		if err != nil {
			return &Error{Kind: KindParse, Msg: "could not parse the package manifest", Err: err}
		}
		if hdr := t.extractor.Header(); hdr != nil && hdr.PackageID != info.ID {
			return newError(KindMalformedPackage,
				"the package identifiers in the package header and info.yaml do not match")
		}
		t.info = info
		t.iconFileName = info.Icon
		t.setPackageID(info.ID)
		t.foundInfo = true

	case 2:
		// the second file must be the icon
		if file != t.iconFileName {
			return newError(KindMalformedPackage,
				"the package icon (as stated in info.yaml) must be the second file in the package. Expected '%s', got '%s'",
				t.iconFileName, file)
		}
		fi, err := os.Stat(filepath.Join(t.extractor.DestinationDirectory(), file))
		if err != nil {
			return newError(KindFilesystemError, "could not stat the extracted icon: %v", err)
		}
		if fi.Size() > contract.IconMaxBytes() {
			return newError(KindMalformedPackage, "the size of %s is too large (max. %d bytes)", file, contract.IconMaxBytes())
		}
		t.foundIcon = true

	default:
		return newError(KindMalformedPackage, "could not find info.yaml and the icon file at the beginning of the package")
	}

	if t.foundInfo && t.foundIcon {
		return t.beginInstallation()
	}
	return nil
}

// beginInstallation is the registry handshake that runs as soon as manifest
// and icon are known, while the payload is still streaming.
func (t *installTask) beginInstallation() error {
	id := t.packageID()

	if t.r.isPackageInstallationActive(id) {
		return newError(KindMalformedPackage, "cannot install the same package %s multiple times in parallel", id)
	}

	t.logger.Debug("registry.install.acknowledge.request", "task", t.id(), "package", id)

	hdr := t.extractor.Header()
	t.r.publish(Event{
		Type:                EventTaskRequestingInstallationAcknowledge,
		TaskID:              t.id(),
		PackageID:           id,
		Package:             snapshotOf(t.info, StateBeingInstalled),
		ExtraMetaData:       hdr.ExtraMetaData,
		ExtraSignedMetaData: hdr.ExtraSignedMetaData,
	})

	scratch := t.extractor.DestinationDirectory()

	if err := t.startInstallation(); err != nil {
		return err
	}

	// carry the already-extracted manifest and icon over into '<id>+'
	for _, file := range []string{"info.yaml", t.iconFileName} {
		if err := copyFile(filepath.Join(scratch, file), filepath.Join(t.extractionDir, file)); err != nil {
			return newError(KindFilesystemError, "could not move %s into the installation directory: %v", file, err)
		}
	}
	t.extractor.SetDestinationDirectory(t.extractionDir)

	// the manifest's base dir is the final directory, without the '+'
	t.info.BaseDir = t.appDir

	if t.r.cfg.UserIDSeparation != nil {
		t.applicationUID = t.r.userIDForInstall(id)
	}

	// the registry blocks the package for us; manifest ownership is
	// transferred on approval
	if !t.r.startingPackageInstallation(t.info, t.applicationUID) {
		return newError(KindRegistryConflict, "the package manager declined the installation of %s", id)
	}
	t.managerApproval = true

	// if any applications of this package were running before, wait until
	// all of them have actually stopped
	for !t.isCanceled() && !t.r.allApplicationsStopped(id) {
		time.Sleep(stopPollInterval)
	}
	if t.isCanceled() {
		return newError(KindCanceled, "canceled")
	}

	// we're not interested in any other files from here on
	t.extractor.SetFileExtractedCallback(nil)
	return nil
}

// startInstallation prepares the '<id>+' extraction directory.
func (t *installTask) startInstallation() error {
	id := t.packageID()
	target := filepath.Join(t.installationPath, id+"+")

	// delete an old, partial installation
	if _, err := os.Stat(target); err == nil {
		if err := t.r.removeRecursiveHelper(target); err != nil {
			return newError(KindFilesystemError, "could not remove old, partial installation %s: %v", target, err)
		}
	}

	t.installationDirCreator = scope.NewDirCreator(t.r.scopeRemover())
	if err := t.installationDirCreator.Create(target, false); err != nil {
		return newError(KindFilesystemError, "could not create installation directory %s: %v", target, err)
	}
	t.extractionDir = target
	t.appDir = filepath.Join(t.installationPath, id)
	return nil
}

// finishInstallation is the commit phase. All fallible operations happen
// before the scopes are taken; afterwards the installation is done.
func (t *installTask) finishInstallation() error {
	id := t.packageID()

	update := false
	if _, err := os.Stat(t.appDir); err == nil {
		update = true
	}

	// write the installation report into '<id>+'
	rpt := t.extractor.Report()
	reportFile := scope.NewFileCreator(nil)
	defer reportFile.Cleanup()

	if err := t.writeReport(rpt, reportFile); err != nil {
		return err
	}

	// create the document directory when installing (not needed on updates)
	docDirCreator := scope.NewDirCreator(t.r.scopeRemover())
	defer docDirCreator.Cleanup()

	docDir := ""
	if t.documentPath != "" {
		docDir = filepath.Join(t.documentPath, id)
		if !update {
			// this package may have been installed earlier and the
			// document directory may still exist
			if _, err := os.Stat(docDir); err != nil {
				if err := docDirCreator.Create(docDir, false); err != nil {
					return newError(KindFilesystemError, "could not create the document directory %s: %v", docDir, err)
				}
			}
		}
	}

	// update owner, group and permission bits on both directories
	if sep := t.r.cfg.UserIDSeparation; sep != nil {
		root := t.r.cfg.Sudo
		if root == nil {
			return newError(KindFilesystemError, "application-uid separation requires a privileged helper")
		}
		if docDir != "" {
			if err := root.SetOwnerAndPermissionsRecursive(docDir, t.applicationUID, sep.CommonGroupID, 0o700); err != nil {
				return &Error{Kind: KindFilesystemError,
					Msg: fmt.Sprintf("could not recursively change the owner to %d:%d in %s", t.applicationUID, sep.CommonGroupID, docDir),
					Err: err}
			}
		}
		if err := root.SetOwnerAndPermissionsRecursive(t.extractionDir, t.applicationUID, sep.CommonGroupID, 0o440); err != nil {
			return &Error{Kind: KindFilesystemError,
				Msg: fmt.Sprintf("could not recursively change the owner to %d:%d in %s", t.applicationUID, sep.CommonGroupID, t.extractionDir),
				Err: err}
		}
	}

	// final rename
	renamer := scope.NewRenamer(t.r.scopeRemover())
	defer renamer.Cleanup()

	if update {
		if err := renamer.Rename(t.appDir, scope.NamePlusToName|scope.NameToNameMinus); err != nil {
			return newError(KindFilesystemError,
				"could not rename installation directory %s+ to %s (including a backup to %s-): %v",
				t.appDir, t.appDir, t.appDir, err)
		}
	} else {
		if err := renamer.Rename(t.appDir, scope.NamePlusToName); err != nil {
			return newError(KindFilesystemError,
				"could not rename installation directory %s+ to %s: %v", t.appDir, t.appDir, err)
		}
	}

	// from this point onwards we are not allowed to fail anymore
	t.setState(TaskCleaningUp)

	renamer.Take()
	docDirCreator.Take()
	t.installationDirCreator.Take()
	if err := reportFile.Take(); err != nil {
		t.logger.Warn("registry.install.report", "package", id, "error", err)
	}

	// this should not be necessary, but it also won't hurt
	if update {
		if err := t.r.removeRecursiveHelper(t.appDir + "-"); err != nil {
			t.logger.Warn("registry.install.cleanup", "path", t.appDir+"-", "error", err)
		}
	}

	syncFilesystem()
	return nil
}

func (t *installTask) writeReport(rpt *report.Report, reportFile *scope.FileCreator) error {
	data, err := rpt.Serialize()
	if err != nil {
		return &Error{Kind: KindInternal, Msg: "could not serialize the installation report", Err: err}
	}
	path := filepath.Join(t.extractionDir, report.FileName)
	if err := reportFile.Create(path); err != nil {
		return newError(KindFilesystemError, "could not create the installation report: %v", err)
	}
	if _, err := reportFile.File().Write(data); err != nil {
		return newError(KindFilesystemError, "could not write the installation report: %v", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

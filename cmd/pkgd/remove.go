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

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/pkgd/internal/errors"
	"github.com/kraklabs/pkgd/internal/output"
	"github.com/kraklabs/pkgd/internal/ui"
	"github.com/kraklabs/pkgd/pkg/registry"
)

// runRemove executes the 'remove' CLI command.
func runRemove(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	keepDocuments := fs.Bool("keep-documents", false, "Keep the package's document directory")
	force := fs.Bool("force", false, "Remove even when the installation report is missing")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: pkgd remove [options] <package-id>

Description:
  Remove an installed package. For a built-in package with an update
  applied, the update is removed and the built-in reverts to its base
  manifest.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	pkgID := fs.Arg(0)

	reg, err := openRegistry(globals)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer reg.Stop()

	events, cancelSub := reg.Subscribe(256)
	defer cancelSub()

	taskID, err := reg.RemovePackage(pkgID, *keepDocuments, *force)
	if err != nil {
		errors.FatalError(errors.NewNotInstalledError(
			"Cannot remove the package",
			err.Error(),
			"Run 'pkgd list' to see the installed packages",
		), globals.JSON)
	}

	spinner := NewSpinner(NewProgressConfig(globals), "removing")

	for ev := range events {
		if ev.TaskID != taskID {
			continue
		}
		switch ev.Type {
		case registry.EventTaskFinished:
			if spinner != nil {
				_ = spinner.Finish()
			}
			if globals.JSON {
				_ = output.JSON(map[string]any{
					"task_id":    taskID,
					"package_id": pkgID,
					"result":     "finished",
				})
			} else {
				ui.Successf("Removed %s", pkgID)
			}
			return

		case registry.EventTaskFailed:
			if spinner != nil {
				_ = spinner.Finish()
			}
			errors.FatalError(errors.NewPackageError(
				"Removal failed",
				ev.ErrorString,
				"",
				nil,
			), globals.JSON)
		}
	}
}

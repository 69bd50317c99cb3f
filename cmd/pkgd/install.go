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
	"bufio"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/pkgd/internal/errors"
	"github.com/kraklabs/pkgd/internal/output"
	"github.com/kraklabs/pkgd/internal/ui"
	"github.com/kraklabs/pkgd/pkg/registry"
)

// runInstall executes the 'install' CLI command: it drives one installation
// task through extraction, acknowledge and commit.
func runInstall(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	ask := fs.Bool("ask", false, "Show the package metadata and ask before acknowledging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: pkgd install [options] <package-url>

Description:
  Install or update a package from a local file or an http(s) URL. The
  installation is acknowledged automatically unless --ask is given.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  pkgd install ./com.example.myapp.ampkg
  pkgd install --ask https://store.example.com/myapp.ampkg
`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	sourceURL := fs.Arg(0)

	reg, err := openRegistry(globals)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer reg.Stop()

	events, cancelSub := reg.Subscribe(256)
	defer cancelSub()

	taskID, err := reg.StartPackageInstallation(sourceURL)
	if err != nil {
		errors.FatalError(errors.NewPackageError(
			"Cannot start the installation", err.Error(), "", err), globals.JSON)
	}

	bar := NewProgressBar(NewProgressConfig(globals), 100, "installing")

	for ev := range events {
		if ev.TaskID != taskID {
			continue
		}
		switch ev.Type {
		case registry.EventTaskProgress:
			if bar != nil {
				_ = bar.Set(int(ev.Progress * 100))
			}

		case registry.EventTaskRequestingInstallationAcknowledge:
			if *ask && !confirmInstallation(ev) {
				reg.CancelTask(taskID)
				continue
			}
			reg.AcknowledgePackageInstallation(taskID)

		case registry.EventTaskFinished:
			if bar != nil {
				_ = bar.Finish()
			}
			pkgID := ev.PackageID
			if globals.JSON {
				_ = output.JSON(map[string]any{
					"task_id":    taskID,
					"package_id": pkgID,
					"result":     "finished",
				})
			} else {
				ui.Successf("Installed %s", pkgID)
			}
			return

		case registry.EventTaskFailed:
			if bar != nil {
				_ = bar.Finish()
			}
			errors.FatalError(errors.NewPackageError(
				"Installation failed",
				ev.ErrorString,
				"",
				nil,
			), globals.JSON)
		}
	}
}

// confirmInstallation prints the acknowledge request and reads a yes/no
// answer from the terminal.
func confirmInstallation(ev registry.Event) bool {
	ui.Header("Installation request")
	fmt.Printf("%s %s\n", ui.Label("Package:"), ev.Package.ID)
	fmt.Printf("%s %s\n", ui.Label("Version:"), ev.Package.Version)
	fmt.Printf("%s %s\n", ui.Label("Name:   "), ev.Package.Name)
	for k, v := range ev.ExtraMetaData {
		fmt.Printf("  %s: %v\n", k, v)
	}
	fmt.Print("Proceed? [y/N] ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

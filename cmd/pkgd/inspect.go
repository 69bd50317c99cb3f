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
)

// runInspect executes the 'inspect' CLI command.
func runInspect(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pkgd inspect <package-id>\n\nShow the registry entry of one package.\n")
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

	snap := reg.Package(pkgID)
	if snap == nil {
		errors.FatalError(errors.NewNotInstalledError(
			"Package not found",
			fmt.Sprintf("No package with id %s is registered", pkgID),
			"Run 'pkgd list' to see the registered packages",
		), globals.JSON)
	}

	if globals.JSON {
		apps := make([]map[string]any, 0, len(snap.Applications))
		for _, app := range snap.Applications {
			apps = append(apps, map[string]any{
				"id":           app.ID,
				"code":         app.Code,
				"runtime":      app.Runtime,
				"capabilities": app.Capabilities,
			})
		}
		intents := make([]map[string]any, 0, len(snap.Intents))
		for _, intent := range snap.Intents {
			intents = append(intents, map[string]any{
				"id":         intent.ID,
				"handled_by": intent.HandlingApplicationID,
				"visibility": intent.Visibility,
				"categories": intent.Categories,
			})
		}
		_ = output.JSON(map[string]any{
			"id":                    snap.ID,
			"version":               snap.Version,
			"names":                 snap.Names,
			"descriptions":          snap.Descriptions,
			"icon":                  snap.Icon,
			"categories":            snap.Categories,
			"applications":          apps,
			"intents":               intents,
			"state":                 snap.State.String(),
			"blocked":               snap.Blocked,
			"built_in":              snap.BuiltIn,
			"has_removable_update":  snap.HasRemovableUpdate,
			"uid":                   snap.UID,
			"size":                  reg.InstalledPackageSize(snap.ID),
			"extra_metadata":        reg.InstalledPackageExtraMetaData(snap.ID),
			"extra_signed_metadata": reg.InstalledPackageExtraSignedMetaData(snap.ID),
		})
		return
	}

	ui.Header(snap.ID)
	fmt.Printf("%s %s\n", ui.Label("Version:"), snap.Version)
	fmt.Printf("%s %s\n", ui.Label("Name:   "), snap.Name)
	fmt.Printf("%s %s\n", ui.Label("State:  "), snap.State)
	if snap.BuiltIn {
		kind := "built-in"
		if snap.HasRemovableUpdate {
			kind = "built-in with removable update"
		}
		fmt.Printf("%s %s\n", ui.Label("Kind:   "), kind)
	}
	if size := reg.InstalledPackageSize(snap.ID); size >= 0 {
		fmt.Printf("%s %d bytes\n", ui.Label("Size:   "), size)
	}
	if len(snap.Applications) > 0 {
		ui.SubHeader("Applications:")
		for _, app := range snap.Applications {
			fmt.Printf("  %s (%s, %s)\n", app.ID, app.Runtime, app.Code)
		}
	}
	if len(snap.Intents) > 0 {
		ui.SubHeader("Intents:")
		for _, intent := range snap.Intents {
			handler := intent.HandlingApplicationID
			if handler == "" {
				handler = "any application"
			}
			fmt.Printf("  %s (handled by %s)\n", intent.ID, handler)
		}
	}
	if md := reg.InstalledPackageExtraMetaData(snap.ID); len(md) > 0 {
		ui.SubHeader("Extra metadata:")
		for k, v := range md {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
}

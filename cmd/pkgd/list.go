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
	"text/tabwriter"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/pkgd/internal/errors"
	"github.com/kraklabs/pkgd/internal/output"
)

// listEntry is the JSON shape of one package in 'pkgd --json list'.
type listEntry struct {
	ID                 string   `json:"id"`
	Version            string   `json:"version"`
	Name               string   `json:"name,omitempty"`
	State              string   `json:"state"`
	Blocked            bool     `json:"blocked"`
	Progress           float64  `json:"progress,omitempty"`
	BuiltIn            bool     `json:"built_in"`
	HasRemovableUpdate bool     `json:"has_removable_update,omitempty"`
	Size               int64    `json:"size,omitempty"`
	Applications       []string `json:"applications,omitempty"`
	Intents            []string `json:"intents,omitempty"`
}

// runList executes the 'list' CLI command.
func runList(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pkgd list\n\nList all registered packages (built-in and installed).\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	reg, err := openRegistry(globals)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer reg.Stop()

	pkgs := reg.Packages()

	if globals.JSON {
		entries := make([]listEntry, 0, len(pkgs))
		for _, p := range pkgs {
			entry := listEntry{
				ID:                 p.ID,
				Version:            p.Version,
				Name:               p.Name,
				State:              p.State.String(),
				Blocked:            p.Blocked,
				Progress:           p.Progress,
				BuiltIn:            p.BuiltIn,
				HasRemovableUpdate: p.HasRemovableUpdate,
				Size:               reg.InstalledPackageSize(p.ID),
			}
			for _, app := range p.Applications {
				entry.Applications = append(entry.Applications, app.ID)
			}
			for _, intent := range p.Intents {
				entry.Intents = append(entry.Intents, intent.ID)
			}
			entries = append(entries, entry)
		}
		if err := output.JSON(entries); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATE\tKIND\tAPPS\tINTENTS")
	for _, p := range pkgs {
		kind := "installed"
		switch {
		case p.BuiltIn && p.HasRemovableUpdate:
			kind = "built-in (updated)"
		case p.BuiltIn:
			kind = "built-in"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			p.ID, p.Version, p.State, kind, len(p.Applications), len(p.Intents))
	}
	w.Flush()
}

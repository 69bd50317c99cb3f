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
	"encoding/hex"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/pkgd/internal/errors"
	"github.com/kraklabs/pkgd/internal/output"
	"github.com/kraklabs/pkgd/internal/ui"
	"github.com/kraklabs/pkgd/pkg/pack"
)

// runPack executes the 'pack' CLI command: it builds a package archive from
// a source directory containing an info.yaml manifest.
func runPack(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	devKeyFile := fs.String("developer-key", "", "PEM private key for a developer signature")
	storeKeyFile := fs.String("store-key", "", "PEM private key for a store signature")
	storeHardwareID := fs.String("hardware-id", "", "Target device hardware id for store signing")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: pkgd pack [options] <source-dir> <output-file>

Description:
  Build a package archive. The source directory must contain an info.yaml
  manifest plus the icon file it names; everything else becomes package
  payload. Packages built from the same tree are byte-identical.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  pkgd pack ./myapp ./com.example.myapp.ampkg
  pkgd pack --developer-key dev.pem ./myapp ./myapp.ampkg
`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(1)
	}
	sourceDir, outFile := fs.Arg(0), fs.Arg(1)

	opts := pack.CreateOptions{StoreHardwareID: *storeHardwareID}
	if *devKeyFile != "" {
		key, err := os.ReadFile(*devKeyFile)
		if err != nil {
			errors.FatalError(errors.NewInputError(
				"Cannot read the developer key", err.Error(), ""), globals.JSON)
		}
		opts.DeveloperKeyPEM = key
	}
	if *storeKeyFile != "" {
		key, err := os.ReadFile(*storeKeyFile)
		if err != nil {
			errors.FatalError(errors.NewInputError(
				"Cannot read the store key", err.Error(), ""), globals.JSON)
		}
		opts.StoreKeyPEM = key
	}

	digest, err := pack.CreateFile(sourceDir, outFile, opts)
	if err != nil {
		errors.FatalError(errors.NewPackageError(
			"Cannot create the package",
			err.Error(),
			"Check the info.yaml manifest and the icon file in "+sourceDir,
			err,
		), globals.JSON)
	}

	if globals.JSON {
		_ = output.JSON(map[string]string{
			"package": outFile,
			"digest":  hex.EncodeToString(digest),
		})
		return
	}
	ui.Successf("Created %s", outFile)
	ui.Infof("Digest: %s", hex.EncodeToString(digest))
}

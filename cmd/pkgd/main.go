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

// Package main implements the pkgd CLI for creating, installing, inspecting
// and removing signed application packages.
//
// Usage:
//
//	pkgd init                         Create a pkgd.yaml configuration
//	pkgd pack <source-dir> <out>      Build a package archive
//	pkgd install <package>            Install or update a package
//	pkgd remove <package-id>          Remove an installed package
//	pkgd [--json] list                List registered packages
//	pkgd inspect <package-id>         Show details of one package
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/pkgd/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// GlobalFlags are the options shared by every subcommand.
type GlobalFlags struct {
	// JSON switches output to machine-readable JSON.
	JSON bool

	// Quiet suppresses progress output.
	Quiet bool

	// NoColor disables colored terminal output.
	NoColor bool

	// ConfigPath points at the pkgd.yaml configuration.
	ConfigPath string
}

func main() {
	globals := GlobalFlags{}

	fs := flag.NewFlagSet("pkgd", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "Show version and exit")
	fs.BoolVar(&globals.JSON, "json", false, "Output machine-readable JSON")
	fs.BoolVarP(&globals.Quiet, "quiet", "q", false, "Suppress progress output")
	fs.BoolVar(&globals.NoColor, "no-color", false, "Disable colored output")
	fs.StringVar(&globals.ConfigPath, "config", "", "Path to pkgd.yaml (default: ./pkgd.yaml)")
	fs.SetInterspersed(false)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `pkgd - package lifecycle manager

Usage:
  pkgd [global options] <command> [options]

Commands:
  init          Create a pkgd.yaml configuration
  pack          Build a package archive from a source directory
  install       Install or update a package
  remove        Remove an installed package
  list          List registered packages
  inspect       Show details of one package
  sudo-helper   Run the privileged helper loop (internal)

Global Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  pkgd init
  pkgd pack ./myapp ./com.example.myapp.ampkg
  pkgd install ./com.example.myapp.ampkg
  pkgd --json list
  pkgd remove com.example.myapp

`)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *showVersion {
		fmt.Printf("pkgd version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if globals.JSON {
		globals.Quiet = true
	}
	ui.InitColors(globals.NoColor)

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, globals)
	case "pack":
		runPack(cmdArgs, globals)
	case "install":
		runInstall(cmdArgs, globals)
	case "remove":
		runRemove(cmdArgs, globals)
	case "list":
		runList(cmdArgs, globals)
	case "inspect":
		runInspect(cmdArgs, globals)
	case "sudo-helper":
		runSudoHelper(cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		fs.Usage()
		os.Exit(1)
	}
}

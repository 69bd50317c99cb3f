// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build linux

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/pkgd/pkg/sudo"
)

// runSudoHelper runs the privileged helper request loop. The parent process
// passes one end of a socketpair as an inherited file descriptor; this
// process is expected to keep (or be started with) elevated rights.
func runSudoHelper(args []string) {
	fs := flag.NewFlagSet("sudo-helper", flag.ExitOnError)
	fd := fs.Int("fd", 3, "Inherited socketpair file descriptor")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pkgd sudo-helper [--fd N]\n\nInternal: serve privileged filesystem requests over an inherited socketpair.\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	server := sudo.NewServer(*fd, nil)
	if err := server.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "sudo helper terminated: %v\n", err)
		os.Exit(1)
	}
}

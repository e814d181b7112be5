// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Command offlinectl inspects and maintains the local store of a stopped
// offlinesync server.
package main

import (
	"os"

	"github.com/tomtom215/offlinesync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}

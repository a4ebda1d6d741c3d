// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package cli wires the scotty binary's subcommands together.
package cli

import (
	"os"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/scottyapp/scotty/cli/client"
	"github.com/scottyapp/scotty/cli/server"
	"github.com/scottyapp/scotty/version"
)

// Command parses the command line arguments and then executes a
// subcommand program.
func Command() {
	app := kingpin.New("scotty", "micro-PaaS control plane")
	app.HelpFlag.Short('h')
	app.Version(version.Version)
	app.VersionFlag.Short('v')
	server.Register(app)
	client.Register(app)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}

// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package version holds the build version, stamped via -ldflags at
// release time.
package version

// Version is overridden at build time with -ldflags
// "-X github.com/scottyapp/scotty/version.Version=...".
var Version = "dev"

// SPDX-License-Identifier: MIT

// Package version carries build identification stamped via ldflags.
package version

import "fmt"

var (
	// Version is the current application version, populated by ldflags.
	Version = "v0.4.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the full build identification.
func String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date)
}

// Package version carries build metadata for the tasktrack binaries.
package version

import "fmt"

// Overridden with -ldflags "-X github.com/GoCodeAlone/tasktrack/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String formats the build metadata for banners and `version` commands.
func String(binary string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", binary, Version, Commit, BuildDate)
}

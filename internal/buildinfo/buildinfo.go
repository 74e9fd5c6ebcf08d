// Package buildinfo carries the version devdockd was built as.
package buildinfo

import "fmt"

// Stamped by -ldflags at release time; the defaults mark a local build.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the line `devdockd -version` prints.
func String() string {
	return fmt.Sprintf("devdockd version=%s commit=%s date=%s", Version, Commit, Date)
}

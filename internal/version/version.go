// Package version carries build identification, set via ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "unknown"
)

// GetInfo returns a printable version string.
func GetInfo() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}

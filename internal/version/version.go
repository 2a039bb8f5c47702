// Package version carries build metadata, set at link time with
// -ldflags "-X github.com/banshee-data/slime.bridge/internal/version.Version=...".
package version

import "fmt"

var (
	// Version is the bridge release
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for -version and logs.
func String() string {
	return fmt.Sprintf("haritoslime %s (%s, built %s)", Version, GitSHA, BuildTime)
}

// Package version holds build-time version metadata, stamped via -ldflags.
package version

import "fmt"

// These are overridden at build time with:
//
//	go build -ldflags "-X github.com/ironscout/feedingest/version.GitCommit=... -X .../version.BuildDate=..."
var (
	AppName   = "feedingest"
	GitTag    = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Version returns the human-readable version string printed by `feedingest version`.
func Version() string {
	return fmt.Sprintf("%s %s (%s, built %s)", AppName, GitTag, GitCommit, BuildDate)
}

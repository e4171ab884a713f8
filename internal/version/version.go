// Package version holds build metadata injected with -ldflags, e.g.
//
//	-X github.com/HerbHall/snmpwatch/internal/version.Version=1.2.0
package version

import (
	"fmt"
	"runtime"
)

// Name is the product name used in banners and HTTP headers.
const Name = "snmpwatch"

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns the --version banner.
func Info() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, go: %s)",
		Name, Version, GitCommit, BuildDate, runtime.Version())
}

// Short returns just the version, e.g. "1.2.0" or "dev".
func Short() string {
	return Version
}

// Map returns the build metadata for the health endpoint.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

package version

import (
	"fmt"
	"runtime"
)

// Version number set by the build
var Version = ""

// Commit id set by the build
var Commit = ""

// GlobalUserAgent identifies nps in the admin API Server header and logs
var GlobalUserAgent = fmt.Sprintf("nps/%s (%s %s)", shortVersion(), runtime.GOOS, runtime.GOARCH)

// PrintVersion writes the build information to stdout
func PrintVersion() {
	if len(Version) > 0 {
		fmt.Printf("Version: %v\n", Version)

		if len(Commit) > 0 {
			fmt.Printf("Commit: %v\n", Commit)
		}
	} else {
		fmt.Println("Version information not available")
	}
}

func shortVersion() string {
	if len(Version) > 0 {
		if len(Commit) > 0 {
			return Version + "@" + Commit
		}
		return Version
	}
	return "unknown"
}

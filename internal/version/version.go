/*
Package version holds build-time version information for rehostd.

Variables are injected at build time via ldflags:

	go build -ldflags "-X github.com/ebitani/rehost/internal/version.Version=1.2.3"
*/
package version

import (
	"fmt"
	"runtime/debug"
)

// Version is the release version. Overridden at build time.
var Version = "dev"

// Full returns the version string plus the VCS revision when the binary
// was built from a checkout.
func Full() string {
	rev := "unknown"
	dirty := ""

	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if len(s.Value) >= 12 {
					rev = s.Value[:12]
				} else if s.Value != "" {
					rev = s.Value
				}
			case "vcs.modified":
				if s.Value == "true" {
					dirty = "-dirty"
				}
			}
		}
	}

	return fmt.Sprintf("rehostd %s (%s%s)", Version, rev, dirty)
}

// Package version reports the conductor release and the commit it was
// built from.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
)

//go:embed VERSION
var release string

// Get returns the release version from the embedded VERSION file.
func Get() string {
	return strings.TrimSpace(release)
}

// Revision returns the short VCS revision recorded by the go tool, with a
// "-dirty" suffix for modified trees. It is empty when the binary was built
// without VCS stamping.
func Revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}

// String combines the release and revision, e.g. "0.1.0 (3f2a9c1d0b7e)".
func String() string {
	if rev := Revision(); rev != "" {
		return Get() + " (" + rev + ")"
	}
	return Get()
}

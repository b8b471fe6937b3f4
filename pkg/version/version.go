// Package version exposes build information stamped in by the linker.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version, Commit and Date are set with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = ""
)

// String renders a one-line build description.
func String() string {
	commit := Commit

	if commit == "unknown" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}

	s := fmt.Sprintf("lineage %s (%s, %s)", Version, commit, runtime.Version())
	if Date != "" {
		s += " built " + Date
	}

	return s
}

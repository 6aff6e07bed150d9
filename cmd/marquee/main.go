package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/marqueeapi/marquee/cmd/marquee/cli"
)

// Release builds stamp these with -ldflags. A plain `go install` leaves
// them unset and the module and VCS data embedded by the toolchain is used.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if info, ok := debug.ReadBuildInfo(); ok {
		version, commit, date = stamp(info, version, commit, date)
	}
	if err := cli.Execute(version, commit, date); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// stamp fills in whatever -ldflags did not set from the embedded build info.
func stamp(info *debug.BuildInfo, version, commit, date string) (string, string, string) {
	if version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	stamped, dirty := false, false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if commit == "none" && s.Value != "" {
				commit, stamped = s.Value, true
				if len(commit) > 12 {
					commit = commit[:12]
				}
			}
		case "vcs.time":
			if date == "unknown" && s.Value != "" {
				date = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if stamped && dirty {
		commit += "-dirty"
	}
	return version, commit, date
}

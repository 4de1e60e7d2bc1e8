// Package buildinfo carries version metadata stamped in at link time:
//
//	go build -ldflags "-X github.com/modoterra/kclbridge/internal/buildinfo.Version=v0.3.0 ..."
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

func init() {
	if Version != "dev" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		Version = v
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if Commit == "unknown" && len(s.Value) >= 7 {
				Commit = s.Value[:7]
			}
		case "vcs.time":
			if Date == "unknown" {
				Date = s.Value
			}
		}
	}
}

// String formats the version line printed by the CLI.
func String(name string) string {
	return name + " " + Version + " (" + Commit + ") built " + Date
}

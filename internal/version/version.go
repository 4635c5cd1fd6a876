// Package version reports what build of ircrelay is running.
//
// Version, Commit and BuildTime are set with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/ircrelay/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/ircrelay/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/ircrelay/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Without ldflags, Commit and BuildTime fall back to the VCS stamp the Go
// toolchain embeds in module builds.
package version

import (
	"runtime"
	"runtime/debug"
)

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns build information, filling unset fields from the embedded
// build info when available.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fillFromSettings(&info, bi.Settings)
	}
	return info
}

func fillFromSettings(info *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" && s.Value != "" {
				info.Commit = s.Value
				if len(info.Commit) > 7 {
					info.Commit = info.Commit[:7]
				}
			}
		case "vcs.time":
			if info.BuildTime == "unknown" && s.Value != "" {
				info.BuildTime = s.Value
			}
		}
	}
}

// String returns a formatted version string.
func String() string {
	i := Get()
	return i.Version + " (" + i.Commit + ") built " + i.BuildTime
}

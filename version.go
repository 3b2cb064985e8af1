package alova

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build metadata. Release builds set these with
// -ldflags "-X github.com/Aaminly/alova.GitCommit=...".
var (
	Version   = "v0.4.0"
	GitCommit = ""
	BuildDate = ""
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
	GoVersion string
}

// ReadBuildInfo merges the linker-provided values with the VCS stamp the
// Go toolchain embeds in module builds.
func ReadBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = setting.Value
				}
			case "vcs.time":
				if info.BuildDate == "" {
					info.BuildDate = setting.Value
				}
			}
		}
	}

	if info.Commit == "" {
		info.Commit = "unknown"
	}
	if info.BuildDate == "" {
		info.BuildDate = "unknown"
	}
	return info
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("alova %s (commit: %s, built: %s, go: %s)", b.Version, b.Commit, b.BuildDate, b.GoVersion)
}

// GetVersion returns a human-readable version string.
func GetVersion() string {
	return ReadBuildInfo().String()
}

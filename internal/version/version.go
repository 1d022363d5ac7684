// Package version reports how the centrio-core binary was built. Release builds set the
// variables below with -ldflags "-X github.com/centrio-installer/centrio-core/internal/version.version=...".
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	version   = "v0.1.0"
	commit    = ""
	buildDate = ""
)

func GetVersion() string {
	return version
}

// BuildInfo is recorded in the install receipt so a support request can be matched to a build.
type BuildInfo struct {
	Version   string `yaml:"version"`
	Commit    string `yaml:"commit,omitempty"`
	BuildDate string `yaml:"build_date,omitempty"`
	GoVersion string `yaml:"go_version"`
	Platform  string `yaml:"platform"`
}

func (b BuildInfo) String() string {
	s := fmt.Sprintf("centrio-core %s (%s, %s)", b.Version, b.Platform, b.GoVersion)
	if b.Commit != "" {
		s += " commit " + b.Commit
	}
	return s
}

// Get returns the build info. Without ldflags the commit and date come from the vcs stamp go build embeds.
func Get() BuildInfo {
	b := BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		fromVCS(&b, info.Settings)
	}
	return b
}

func fromVCS(b *BuildInfo, settings []debug.BuildSetting) {
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "" {
				b.Commit = s.Value
			}
		case "vcs.time":
			if b.BuildDate == "" {
				b.BuildDate = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && commit == "" && b.Commit != "" {
		b.Commit += "-dirty"
	}
}

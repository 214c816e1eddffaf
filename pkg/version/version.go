// Package version reports which doctor build is running.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
)

const (
	defaultVersion = "0.1.0-dev"
	product        = "doctor"
	shortRevision  = 12
)

// Version is the doctor release. Release builds set it with
//
//	-ldflags "-X github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/version.Version=<value>"
//
// and other builds derive it from the module build info.
var Version = defaultVersion

var readBuildInfo = debug.ReadBuildInfo

// Build describes the running binary.
type Build struct {
	Version   string
	Revision  string
	Modified  bool
	GoVersion string
}

func init() {
	Version = resolve(Version).Version
}

// Current returns the build description of the running binary.
func Current() Build {
	return resolve(Version)
}

// String renders the build for `doctor version`.
func (b Build) String() string {
	var sb strings.Builder
	sb.WriteString(product + " " + b.Version)
	if b.Revision != "" {
		sb.WriteString(" (" + b.Revision)
		if b.Modified {
			sb.WriteString(", modified")
		}
		sb.WriteString(")")
	}
	if b.GoVersion != "" {
		sb.WriteString(" " + b.GoVersion)
	}
	return sb.String()
}

// UserAgent identifies the doctor on requests to the monitored service and the
// predictor.
func UserAgent() string {
	return product + "/" + Version
}

// resolve keeps an explicitly set version and otherwise prefers the module
// version, then a devel marker built from the VCS revision.
func resolve(current string) Build {
	build := Build{Version: current, GoVersion: runtime.Version()}
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return build
	}
	if info.GoVersion != "" {
		build.GoVersion = info.GoVersion
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			build.Revision = strings.TrimSpace(setting.Value)
		case "vcs.modified":
			build.Modified = setting.Value == "true"
		}
	}
	if len(build.Revision) > shortRevision {
		build.Revision = build.Revision[:shortRevision]
	}

	if current != "" && current != defaultVersion {
		return build
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		build.Version = v
		return build
	}
	if build.Revision != "" {
		build.Version = "devel+" + build.Revision
		if build.Modified {
			build.Version += "-dirty"
		}
	}
	return build
}

// Package version identifies the swarm binary in log banners, status
// snapshots, and result cards. The commit comes from an -ldflags override
// when set, otherwise from the module's embedded VCS metadata, otherwise
// "dev" (go test and non-git builds).
package version

import "runtime/debug"

// AppName is the binary name prefixed to version strings.
const AppName = "swarm"

// commit may be injected at build time:
//
//	go build -ldflags "-X .../pkg/version.commit=$(git rev-parse HEAD)"
var commit string

// Full returns "swarm/<short-commit>", e.g. "swarm/a3f8c2d1" or
// "swarm/dev".
func Full() string {
	return AppName + "/" + Commit()
}

// Commit returns the short commit hash the binary was built from.
func Commit() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return short(setting.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

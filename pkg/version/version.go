// Package version exposes the application version used in the CLI's
// --version output and in log lines.
package version

import "runtime/debug"

// AppName is the binary name used in version strings.
const AppName = "consult"

// commit is set via -ldflags for release builds where .git is unavailable.
var commit string

// GitCommit is the short git revision, or "dev" outside a VCS build.
var GitCommit = resolve()

func resolve() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
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

// Full returns "consult/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}

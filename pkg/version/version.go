// Package version derives the running build's identity from VCS metadata.
// Container builds without a .git directory can stamp the commit through
// -ldflags "-X .../pkg/version.commitOverride=<sha>".
package version

import "runtime/debug"

// AppName is the service name used in startup logs and version strings.
const AppName = "fathom"

var commitOverride string

// Commit is the short commit hash of this build, "dev" when no VCS
// metadata is available (go test, builds outside a checkout). Builds from
// a modified tree carry a -dirty suffix.
var Commit = resolve()

func resolve() string {
	if commitOverride != "" {
		return short(commitOverride)
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}

	commit, dirty := "", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit == "" {
		return "dev"
	}
	if dirty {
		return short(commit) + "-dirty"
	}
	return short(commit)
}

func short(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

// Full returns "fathom/<commit>" for logs and user-agent strings.
func Full() string {
	return AppName + "/" + Commit
}

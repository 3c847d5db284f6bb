// Package version carries build metadata injected via -ldflags.
package version

var (
	// Version is the release version.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = ""
	// BuildTime is the build timestamp.
	BuildTime = ""
)

type Info struct {
	Version   string
	Commit    string
	BuildTime string
}

func Resolve() Info {
	return Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
}

func String() string {
	if Commit == "" {
		return Version
	}
	return Version + " (" + shortCommit(Commit) + ")"
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

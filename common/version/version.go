// Package version holds build metadata stamped in via ldflags.
package version

var (
	// Version is the semantic version.
	Version = "v0.0.0-dev"

	// GitCommit is the short git commit hash.
	GitCommit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info renders the build metadata as a single banner line.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}

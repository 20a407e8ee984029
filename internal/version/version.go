package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// ProcessingVersion tags every route, event set, violation set and audit row
// written by the pipeline. Bump it whenever an algorithm change would make
// previously persisted results incomparable.
const ProcessingVersion = "route-v3"

// ProcessingTypeRoute is the audit processing type for full route runs.
const ProcessingTypeRoute = "route"

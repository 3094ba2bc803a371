package core

// Version information for the service. BuildDate and GitCommit are meant
// to be overridden at build time with -ldflags.
const (
	// Version is the current service version
	Version = "development"

	// APIVersion is the public HTTP API version
	APIVersion = "v1"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)

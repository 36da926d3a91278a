package observability

// Overwritten via -ldflags during release builds.
var (
	Version = "dev"
	Commit  = "none"
)

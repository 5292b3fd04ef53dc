package version

// Set at build time with -ldflags "-X github.com/throw-if-null/docket/internal/version.Version=..."
var (
	Version = "dev"
	Commit  = "none"
)

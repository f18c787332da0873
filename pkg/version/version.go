package version

// Set at build time with -ldflags "-X github.com/ilikeorangutans/yarb/pkg/version.SHA=..."
var (
	SHA       = "unknown"
	BuildTime = "unknown"
)

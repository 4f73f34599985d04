package version

// Build metadata, overridden with -ldflags "-X".
var (
	// Version is the current version of the orchestrator
	Version = "0.3.0-dev"
	// BuildDate is the date when the binary was built
	BuildDate = "undefined"
	// CommitHash is the git commit hash when the binary was built
	CommitHash = "undefined"
)

// Info is the JSON body served by the version endpoint.
type Info struct {
	Version    string `json:"version"`
	BuildDate  string `json:"build_date"`
	CommitHash string `json:"commit"`
}

// Current returns the build metadata of the running binary.
func Current() Info {
	return Info{Version: Version, BuildDate: BuildDate, CommitHash: CommitHash}
}

// VersionInfo returns formatted version information
func VersionInfo() string {
	return "Orchestrator version " + Version + " (build: " + BuildDate + ", commit: " + CommitHash + ")"
}

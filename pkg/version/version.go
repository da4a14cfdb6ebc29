package version

// These variables are set at build time via -ldflags.
var (
	gitVersion = "v0.0.0-unknown"
	gitCommit  = ""
)

type Info struct {
	GitVersion string `json:"gitVersion"`
	GitCommit  string `json:"gitCommit"`
}

// Get returns the version information compiled into the running binary.
func Get() Info {
	return Info{
		GitVersion: gitVersion,
		GitCommit:  gitCommit,
	}
}

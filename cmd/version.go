// Package cmd holds build information shared by the binaries.
package cmd

// Set with -ldflags "-X github.com/kube-tarian/perftriage/cmd.version=..."
var (
	version = "dev"
	commit  = "main"
)

// GetVersion returns the version and commit of the build.
func GetVersion() string {
	return version + " (" + commit + ")"
}

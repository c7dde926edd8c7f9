package buildinfo

import "fmt"

// Filled in by ldflags at build time.
var (
	// GitCommit is the current git commit.
	GitCommit = "n/a"
	// GitBranch is the current git branch.
	GitBranch = "n/a"
	// GitState is the current git state, clean or dirty.
	GitState = "n/a"
	// GitSummary is output of 'git describe --tags --dirty --always'.
	GitSummary = "n/a"
	// BuildDate is the date of the build.
	BuildDate = "n/a"
	// Version is the release version.
	Version = "git"
)

// Summary prints a summary of all build info.
func Summary() string {
	return fmt.Sprintf(
		"\tversion:\t%s\n"+
			"\tbuild date:\t%s\n"+
			"\tgit summary:\t%s\n"+
			"\tgit branch:\t%s\n"+
			"\tgit commit:\t%s\n"+
			"\tgit state:\t%s\n",
		Version,
		BuildDate,
		GitSummary,
		GitBranch,
		GitCommit,
		GitState,
	)
}

// Package version holds build metadata injected at link time.
package version

// Version is the semantic version of the build, overridden via
// -ldflags "-X github.com/goiscsi/iscsid/internal/version.Version=...".
var Version = "dev"

// Commit is the git commit hash of the build.
var Commit = "unknown"

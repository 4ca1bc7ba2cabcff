// Package version holds the build version, overridden at link time via
// -ldflags "-X github.com/strefethen/go-upnp/internal/version.Version=...".
package version

// Version is the semantic version of this build.
var Version = "dev"

// Package version exposes build metadata. Version is overridden at build
// time via -ldflags "-X github.com/forge-os/forgeos/internal/version.Version=...".
package version

var Version = "dev"

// Package buildid identifies the host build. The identity is part of every
// precompile cache key so artifacts never leak across incompatible hosts.
package buildid

import (
	"runtime"
	"strings"
)

// Set at link time:
//
//	go build -ldflags "-X github.com/wippyai/dualvm/buildid.ReleaseTag=v1.2.0 -X github.com/wippyai/dualvm/buildid.Profile=release"
var (
	ReleaseTag = "vTEST"
	Profile    = "debug"
)

// ID returns {releaseTag}-{arch}-{os}-{profile}. Dashes inside a component
// are replaced by underscores so the four fields stay separable.
func ID() string {
	return Format(ReleaseTag, runtime.GOARCH, runtime.GOOS, Profile)
}

// Format builds an identity string from explicit components.
func Format(tag, arch, goos, profile string) string {
	parts := []string{tag, arch, goos, profile}
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(p, "-", "_")
	}
	return strings.Join(parts, "-")
}

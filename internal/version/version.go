// Package version holds build-time version info injected via ldflags.
//
// Build with:
//
//	go build -ldflags "-X github.com/xfeldman/sboxd/internal/version.version=v0.3.0"
package version

import (
	"fmt"
	"runtime"
)

// version is set at build time via -ldflags.
var version = "dev"

// Version returns the build version string.
func Version() string {
	return version
}

// UserAgent is the default client identifier sent with every outbound request.
func UserAgent() string {
	return fmt.Sprintf("sboxd/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH)
}

package config

import (
	"runtime"
	"strings"
)

// Platform describes the detected host platform in the spelling used by
// kernel release artifacts.
type Platform struct {
	OS   string // "linux", "darwin", "windows", ...
	Arch string // canonical: "amd64", "arm64", "386", "armv7", ...
}

func (p Platform) String() string {
	return p.OS + "-" + p.Arch
}

// DetectPlatform returns the running platform with a canonical architecture.
func DetectPlatform() Platform {
	return Platform{
		OS:   strings.ToLower(runtime.GOOS),
		Arch: NormalizeArch(runtime.GOARCH),
	}
}

// archAliases maps uname/toolchain spellings to the release artifact spelling.
var archAliases = map[string]string{
	"x86_64":  "amd64",
	"x64":     "amd64",
	"amd64":   "amd64",
	"aarch64": "arm64",
	"arm64":   "arm64",
	"i386":    "386",
	"i686":    "386",
	"x86":     "386",
	"386":     "386",
	"armv7l":  "armv7",
	"armv7":   "armv7",
	"arm":     "armv7",
}

// NormalizeArch canonicalizes an architecture identifier. Unknown values are
// lowercased and returned unchanged.
func NormalizeArch(arch string) string {
	a := strings.ToLower(strings.TrimSpace(arch))
	if canon, ok := archAliases[a]; ok {
		return canon
	}
	return a
}

package metadata

import (
	"fmt"
	"runtime"
)

// Version specifies hostca version; set at build time with -ldflags
var Version = "1.0.0"

// GetVersion returns the hostca version
func GetVersion() string {
	if Version == "" {
		return "development build"
	}
	return Version
}

// GetVersionInfo returns version information for hostca
func GetVersionInfo(prgName string) string {
	return fmt.Sprintf("%s:\n Version: %s\n Go version: %s\n OS/Arch: %s\n",
		prgName,
		GetVersion(),
		runtime.Version(),
		fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))
}

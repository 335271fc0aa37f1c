package version

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Build-time variables (set via ldflags)
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// GetVersion returns the version, preferring build-time version over version file
func GetVersion() string {
	if Version != "dev" {
		return Version
	}

	// Try to read from .version file in project root
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "dev"
	}

	// Go up to project root from internal/version/version.go
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(filename)))
	versionFile := filepath.Join(projectRoot, ".version")

	if data, err := os.ReadFile(versionFile); err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v
		}
	}

	return "dev"
}

// GetFullVersion returns version with commit and build date
func GetFullVersion() string {
	version := GetVersion()
	if Commit != "unknown" {
		version += "+" + Commit
	}
	if Date != "unknown" {
		version += " (" + Date + ")"
	}
	return version
}

// UserAgent is sent on every request to the control plane.
func UserAgent() string {
	return fmt.Sprintf("agenthost/%s (%s/%s)", GetVersion(), runtime.GOOS, runtime.GOARCH)
}

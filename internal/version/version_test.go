package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetVersionPrefersBuildVersion(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()

	Version = "1.4.2"
	if got := GetVersion(); got != "1.4.2" {
		t.Errorf("Expected 1.4.2, got %s", got)
	}
}

func TestGetFullVersion(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	Version, Commit, Date = "1.0.0", "abc123", "2026-01-02"
	if got := GetFullVersion(); got != "1.0.0+abc123 (2026-01-02)" {
		t.Errorf("Unexpected full version %q", got)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "agenthost/") {
		t.Errorf("Expected agenthost/ prefix, got %s", ua)
	}
	if !strings.Contains(ua, runtime.GOOS) {
		t.Errorf("Expected GOOS in user agent, got %s", ua)
	}
}

// Build information is injected through -ldflags at release time; local builds fall back to a development version
// so the version string stays a valid semantic version.

package utils

import (
	"log/slog"
	"strconv"
	"time"
)

const devVersion = "v0.1.0-dev"

var (
	TestMode   string // Should be true when running tests.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
)

func init() {
	StartTime = time.Now()

	if Version == "" {
		Version = devVersion
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false", "error", err)
		}
	}
}

// BuildAttrs returns the build info as log attributes.
func BuildAttrs() []any {
	return []any{"version", Version, "commit", Commit, "build", BuildTime, "uptime", time.Since(StartTime).String()}
}

package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Version information
var (
	// Version in string format - set dynamically at build time
	Version = "0.1.0"
	// GitCommit is the git commit that was compiled - set dynamically at build time
	GitCommit = ""
	// BuildDate is the date of the build - set dynamically at build time
	BuildDate = ""
	// GoVersion is the version of go used to compile
	GoVersion = runtime.Version()
	// Platform is the operating system and architecture combination
	Platform = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
	// Name of the application
	AppName = "tinyhttpd"
	// Description of the application
	Description = "A minimal HTTP/1.1 static file server"
)

// GetVersionInfo returns a formatted version string with additional build information
func GetVersionInfo() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s version %s", AppName, Version)
	if GitCommit != "" {
		fmt.Fprintf(&b, "\nGit commit: %s", GitCommit)
	}
	if BuildDate != "" {
		fmt.Fprintf(&b, "\nBuild date: %s", BuildDate)
	}
	fmt.Fprintf(&b, "\nGo version: %s", GoVersion)
	fmt.Fprintf(&b, "\nPlatform: %s", Platform)

	return b.String()
}

// ServerHeader returns the short product token, e.g. "tinyhttpd/0.1.0"
func ServerHeader() string {
	return AppName + "/" + Version
}

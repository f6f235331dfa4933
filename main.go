package main

import (
	"runtime/debug"

	cmd "github.com/marcus/localsync/cmd/localsync"
)

func main() {
	cmd.SetVersion(effectiveVersion())
	cmd.Execute()
}

// effectiveVersion prefers the build info embedded by `go install`/module
// mode, falling back to "dev" for local builds.
func effectiveVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "dev"
	}
	return info.Main.Version
}

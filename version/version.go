// Package version holds build metadata, set at link time:
//
//	go build -ldflags "-X github.com/jackzampolin/folio/version.GitRelease=v0.1.0"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// GitRelease is the release tag.
	GitRelease = "dev"
	// GitCommit is the commit hash.
	GitCommit = ""
	// GitCommitDate is the commit date.
	GitCommitDate = ""
	// GoInfo is the Go toolchain and platform.
	GoInfo = fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "" {
				GitCommit = s.Value
			}
		case "vcs.time":
			if GitCommitDate == "" {
				GitCommitDate = s.Value
			}
		}
	}
}

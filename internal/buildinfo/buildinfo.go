// Package buildinfo exposes the version the daemon reports on /api/health
// and the CLI prints in its banner.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

// Overridden at link time:
//
//	go build -ldflags "-X github.com/iteratedev/iterate/internal/buildinfo.Version=v0.3.0"
var (
	Version    = "0.1.0"
	CommitHash = ""
	BuildDate  = ""
)

// Info is normalized build metadata.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit"`
	BuildDate  string `json:"buildDate"`
}

// String renders "v0.1.0 (abc1234, 2026-01-02 03:04:05 UTC)".
func (i Info) String() string {
	commit := i.CommitHash
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return fmt.Sprintf("%s (%s, %s)", i.Version, commit, i.BuildDate)
}

// Current merges linker overrides with the VCS settings recorded by the Go
// toolchain. Unknown fields become "unknown".
func Current() Info {
	info := Info{
		Version:    strings.TrimSpace(Version),
		CommitHash: strings.TrimSpace(CommitHash),
		BuildDate:  strings.TrimSpace(BuildDate),
	}

	vcs := map[string]string{}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if (info.Version == "" || info.Version == "0.1.0") && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			vcs[s.Key] = strings.TrimSpace(s.Value)
		}
	}

	if info.CommitHash == "" {
		info.CommitHash = vcs["vcs.revision"]
		if info.CommitHash != "" && strings.EqualFold(vcs["vcs.modified"], "true") {
			info.CommitHash += "-dirty"
		}
	}
	if info.BuildDate == "" {
		info.BuildDate = vcs["vcs.time"]
	}
	if parsed, err := time.Parse(time.RFC3339, info.BuildDate); err == nil {
		info.BuildDate = parsed.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	for _, field := range []*string{&info.Version, &info.CommitHash, &info.BuildDate} {
		if *field == "" {
			*field = "unknown"
		}
	}
	return info
}

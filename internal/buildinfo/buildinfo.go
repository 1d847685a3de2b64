// Package buildinfo reports what binary is running. Release builds stamp
// the version variables with -ldflags; development builds fall back to
// the VCS settings the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Stamped at build time with -ldflags "-X ...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info describes the running binary. Every field is a string so the
// JSON form decodes into a flat map.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

var (
	vcsOnce sync.Once
	vcs     struct{ revision, time string }
)

func readVCS() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	modified := false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			vcs.revision = s.Value
		case "vcs.time":
			vcs.time = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if len(vcs.revision) > 12 {
		vcs.revision = vcs.revision[:12]
	}
	if modified && vcs.revision != "" {
		vcs.revision += "-dirty"
	}
}

// Get returns the build metadata, filling unstamped commit and build
// time from the embedded VCS settings.
func Get() Info {
	vcsOnce.Do(readVCS)
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
	if info.GitCommit == "unknown" && vcs.revision != "" {
		info.GitCommit = vcs.revision
	}
	if info.BuildTime == "unknown" && vcs.time != "" {
		info.BuildTime = vcs.time
	}
	return info
}

// Fields returns the info as ordered label/value pairs for text output.
func (i Info) Fields() [][2]string {
	return [][2]string{
		{"version", i.Version},
		{"git_commit", i.GitCommit},
		{"git_branch", i.GitBranch},
		{"build_time", i.BuildTime},
		{"go_version", i.GoVersion},
		{"os", i.OS},
		{"arch", i.Arch},
	}
}

// String is the one-line banner printed by "botodachi version".
func (i Info) String() string {
	return fmt.Sprintf("Botodachi %s (%s@%s) built %s", i.Version, i.GitCommit, i.GitBranch, i.BuildTime)
}

// Uptime is how long the process has been running, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent identifies the daemon to Ollama, Anthropic and page fetches.
func UserAgent() string {
	return fmt.Sprintf("Botodachi/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// Package version reports which peersetd build is running.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const modulePath = "pkt.systems/peersetd"

// release is stamped at link time:
//
//	go build -ldflags "-X pkt.systems/peersetd/internal/version.release=v1.2.3"
var release = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Module    string `json:"module"`
	Revision  string `json:"revision,omitempty"`
	BuiltAt   string `json:"built_at,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version"`
}

// Read collects Info from the link-time stamp and the embedded build info.
func Read() Info {
	info := Info{Module: modulePath, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if p := strings.TrimSpace(bi.Main.Path); p != "" {
			info.Module = p
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Revision = s.Value
			case "vcs.time":
				info.BuiltAt = s.Value
			case "vcs.modified":
				info.Dirty = s.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(release) != "":
		info.Version = strings.TrimSpace(release)
	case ok && bi.Main.Version != "" && bi.Main.Version != "(devel)":
		info.Version = bi.Main.Version
	default:
		info.Version = pseudoVersion(info)
	}
	return info
}

// Current returns the best available version string.
func Current() string { return Read().Version }

// pseudoVersion builds a Go-style pseudo version from VCS stamps.
func pseudoVersion(info Info) string {
	if info.Revision == "" || info.BuiltAt == "" {
		return "v0.0.0-unknown"
	}
	at, err := time.Parse(time.RFC3339, info.BuiltAt)
	if err != nil {
		return "v0.0.0-unknown"
	}
	rev := info.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + rev
	if info.Dirty {
		v += "+dirty"
	}
	return v
}

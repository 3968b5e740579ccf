// Package svcfields holds the canonical log keys shared across peersetd.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// Canonical keys.
const (
	SubsystemKey = pslog.TrustedString("sys")
	PeersetKey   = pslog.TrustedString("peerset")
	ChangeKey    = pslog.TrustedString("change_id")
	PeerKey      = pslog.TrustedString("peer_id")
)

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithChange scopes logger to one change on one peerset. Empty values are
// skipped.
func WithChange(logger pslog.Logger, peerset, changeID string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var kv []any
	if peerset != "" {
		kv = append(kv, PeersetKey, peerset)
	}
	if changeID != "" {
		kv = append(kv, ChangeKey, changeID)
	}
	if len(kv) == 0 {
		return logger
	}
	return logger.With(kv...)
}

package raftpeerset

import (
	"io"

	"github.com/hashicorp/go-hclog"

	"pkt.systems/pslog"
)

// NewHCLogger returns an hclog.Logger for raft whose records are re-emitted on
// logger. The hclog output itself is discarded.
func NewHCLogger(name string, logger pslog.Logger) hclog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	il := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.Debug,
		Output: io.Discard,
	})
	il.RegisterSink(sink{logger: logger})
	return il
}

type sink struct {
	logger pslog.Logger
}

func (s sink) Accept(name string, level hclog.Level, msg string, args ...any) {
	kv := make([]any, 0, len(args)+2)
	if name != "" {
		kv = append(kv, "component", name)
	}
	kv = append(kv, args...)
	switch level {
	case hclog.Trace:
		s.logger.Trace(msg, kv...)
	case hclog.Debug:
		s.logger.Debug(msg, kv...)
	case hclog.Warn:
		s.logger.Warn(msg, kv...)
	case hclog.Error:
		s.logger.Error(msg, kv...)
	default:
		s.logger.Info(msg, kv...)
	}
}

package internal

import (
	"log/slog"
)

// LevelTrace is a log level below debug used for per-completion logging.
const LevelTrace = slog.LevelDebug - 4

// ReplaceAttr renames custom log levels so handlers print them by name.
func ReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}

	if level, ok := a.Value.Any().(slog.Level); ok && level <= LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

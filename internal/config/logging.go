package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries wire-level detail:
// full model request/response payloads and raw SQL. The value -8 matches
// the convention used by other Go projects that extend slog with a trace
// level.
//
// Keep it off in normal operation. Trace output includes CRM record
// contents and is only meant for diagnosing provider bugs locally.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps the log_level config string to an [slog.Level].
// Matching is case-insensitive and trims surrounding whitespace; the
// empty string means info. Unrecognized values return an error listing
// the accepted names.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] function
// that prints [LevelTrace] as "TRACE". slog only knows its four built-in
// levels and would otherwise render it as "DEBUG-4".
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

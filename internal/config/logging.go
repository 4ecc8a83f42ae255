package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// LevelTrace sits below [slog.LevelDebug] and carries per-turn detail:
// every recorded turn, tiering decision and snapshot splice. -8 matches
// the OpenTelemetry Trace level.
const LevelTrace = slog.Level(-8)

// MaxLogValueBytes caps string attribute values in log output so a tool
// payload that slips into an attribute cannot flood the log.
const MaxLogValueBytes = 512

// levelNames is the set of accepted log_level values.
var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a log_level value to an [slog.Level]. Matching is
// case-insensitive and ignores surrounding whitespace; the empty string
// means info.
func ParseLogLevel(s string) (slog.Level, error) {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// NewLogger returns a logger writing to w. format is "json" or "text";
// anything else is treated as text.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLogAttrs,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ReplaceLogAttrs is the [slog.HandlerOptions.ReplaceAttr] used by
// [NewLogger]. It renders [LevelTrace] as "TRACE" instead of "DEBUG-4"
// and clips string values longer than [MaxLogValueBytes].
func ReplaceLogAttrs(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.LevelKey:
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	case a.Value.Kind() == slog.KindString:
		if s := a.Value.String(); len(s) > MaxLogValueBytes {
			a.Value = slog.StringValue(clipUTF8(s, MaxLogValueBytes) + fmt.Sprintf("…(%d bytes)", len(s)))
		}
	}
	return a
}

// clipUTF8 cuts s to at most n bytes without splitting a rune.
func clipUTF8(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Package logging builds Botodachi's slog logger: a console handler in
// text or JSON plus an optional JSON log file, with a TRACE level below
// DEBUG for wire payloads and per-cue caption activity.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// LevelTrace logs full request and response payloads and every caption
// cue the poller accepts. Expect a lot of output.
const LevelTrace = slog.Level(-8)

var levels = map[string]slog.Level{
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel maps a case-insensitive level name to a slog.Level. The
// empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// ValidFormat reports whether format names a console handler.
func ValidFormat(format string) bool {
	return format == "" || format == "text" || format == "json"
}

// renameTrace prints LevelTrace as "TRACE" instead of "DEBUG-4".
func renameTrace(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// Options selects the logger's level and outputs.
type Options struct {
	Level  slog.Level
	Format string // "text" (default) or "json"
	File   string // appended to as JSON when set
}

// New returns a logger writing to console, and to opts.File when set.
// The close function releases the file.
func New(console io.Writer, opts Options) (*slog.Logger, func() error, error) {
	ho := &slog.HandlerOptions{Level: opts.Level, ReplaceAttr: renameTrace}

	var h slog.Handler
	switch opts.Format {
	case "", "text":
		h = slog.NewTextHandler(console, ho)
	case "json":
		h = slog.NewJSONHandler(console, ho)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q (valid: text, json)", opts.Format)
	}

	if opts.File == "" {
		return slog.New(h), func() error { return nil }, nil
	}
	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return slog.New(slogmulti.Fanout(h, slog.NewJSONHandler(f, ho))), f.Close, nil
}

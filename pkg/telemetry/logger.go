package telemetry

import (
	"fmt"
	"io"
	"strings"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"cdr.dev/slog/v3/sloggers/slogjson"
)

// NewLogger builds a logger writing to w. format is "human" (default) or
// "json"; level is one of debug, info, warn, error.
func NewLogger(w io.Writer, format, level string) (slog.Logger, error) {
	var sink slog.Sink
	switch strings.ToLower(format) {
	case "", "human", "text":
		sink = sloghuman.Sink(w)
	case "json":
		sink = slogjson.Sink(w)
	default:
		return slog.Logger{}, fmt.Errorf("unknown log format %q", format)
	}

	lvl, err := parseLevel(level)
	if err != nil {
		return slog.Logger{}, err
	}
	return slog.Make(sink).Leveled(lvl), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

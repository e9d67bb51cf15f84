// Package logging configures the process-wide slog logger. Level and sink
// come from the environment so tests and deployments can redirect output
// without code changes.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// New builds a text-handler logger. level is one of debug/info/warn/error;
// empty falls back to CHATM_LOG_LEVEL, then info. A sink of "file:<path>"
// (or CHATM_LOG_SINK) appends to that file, anything else writes stderr.
func New(level, sink string) *slog.Logger {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		lvl = strings.ToLower(strings.TrimSpace(os.Getenv("CHATM_LOG_LEVEL")))
	}
	var lv slog.Level
	switch lvl {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}

	if sink == "" {
		sink = os.Getenv("CHATM_LOG_SINK")
	}
	out := os.Stderr
	if path, ok := strings.CutPrefix(sink, "file:"); ok {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
		} else {
			out = f
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lv}))
}

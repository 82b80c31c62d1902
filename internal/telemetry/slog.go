package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configured level string to a slog.Level; unknown values map to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to w.
//
// format: "json"  → JSONHandler (machine readable; recommended for production)
//
//	anything else → TextHandler (human readable; suitable for local development)
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// SetupLogger configures the global slog default logger from the logging section of the
// configuration. output is "stdout" (default) or "stderr".
//
// The configured logger is installed as the default so the provisioning pipeline, the
// HTTP layer and the background jobs all log through it without carrying a *slog.Logger.
func SetupLogger(format, level, output string) {
	var w io.Writer = os.Stdout
	if strings.ToLower(output) == "stderr" {
		w = os.Stderr
	}

	slog.SetDefault(NewLogger(w, format, level))
	slog.Info("logger initialised", "format", format, "level", ParseLevel(level).String(), "output", output)
}

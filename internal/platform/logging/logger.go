package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/pscheid92/quizrelay/internal/platform/correlation"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileMaxSizeMB  = 100
	logFileMaxBackups = 5
	logFileMaxAgeDays = 14
)

// Options controls the global logger.
// Level: "debug", "info", "warn", "error" (defaults to "info").
// Format: "json" or "text" (defaults to "text").
// File: when set, log lines are also written to a size-rotated file.
type Options struct {
	Level  string
	Format string
	File   string
}

// InitLogger builds the application logger, installs it as the slog default
// and returns it together with a closer for the rotated file (no-op without File).
func InitLogger(opts Options) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			MaxAge:     logFileMaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}

	logger := slog.New(NewHandler(out, opts.Level, opts.Format))
	slog.SetDefault(logger)
	return logger, closer
}

// NewHandler returns the correlation-aware handler used by InitLogger.
func NewHandler(out io.Writer, level, format string) slog.Handler {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return correlation.NewHandler(handler)
}

func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

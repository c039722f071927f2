package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/npezzotti/go-chatdelivery/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup builds the process logger from the logging config and installs it as
// the slog default. The returned closer is non-nil only for file output and
// must be closed on shutdown.
func Setup(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer

	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = lj
		closer = lj
	}

	logger := New(w, cfg.Level, cfg.Format)
	slog.SetDefault(logger)

	return logger, closer
}

func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("app", "go-chat")
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

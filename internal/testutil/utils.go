package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"
)

// TestLogger returns a debug level text logger writing to stdout.
func TestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With("test", t.Name())
}

// BufferLogger returns a logger writing to w, for tests that assert on log output.
func BufferLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

/*
Package logging configures structured logging for rehostd.

Logs go to stderr (text, for humans), to a rotated JSON file (for
post-hoc analysis), and into an in-memory ring buffer that backs the
management API's live log stream. The file logger uses lumberjack for
size-based rotation.
*/
package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ebitani/rehost/internal/logbuf"
)

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files. If empty, file logging is disabled.
	LogDir string
	// Level is the minimum level for stderr and file output.
	Level slog.Level
	// Buffer, if non-nil, captures entries for the live log stream.
	Buffer *logbuf.Buffer
}

// Setup builds the logger. Returns the logger and a cleanup function
// that closes the rotated file.
func Setup(cfg Config) (logger *slog.Logger, cleanup func()) {
	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level}),
	}
	cleanup = func() {}

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
			slog.New(handlers[0]).Warn("failed to create log directory, file logging disabled",
				"dir", cfg.LogDir,
				"error", err,
			)
		} else {
			lj := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.LogDir, "rehostd.log"),
				MaxSize:    10, // MB per file
				MaxBackups: 3,  // keep 3 old files
				MaxAge:     7,  // days to retain
				Compress:   true,
			}
			handlers = append(handlers, slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: cfg.Level}))
			cleanup = func() { _ = lj.Close() }
		}
	}

	if cfg.Buffer != nil {
		handlers = append(handlers, cfg.Buffer.Handler())
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), cleanup
	}
	return slog.New(&multiHandler{handlers: handlers}), cleanup
}

// multiHandler fans out log records to multiple slog.Handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

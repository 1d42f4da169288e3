// Package logging provides the structured logger handle that the memcachedb
// client treats as an opaque collaborator: the core emits debug/info/warn
// events and never inspects or routes on the sink itself.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the logging collaborator the client core depends on. Any sink
// satisfying this interface (a *slog.Logger wrapper, a no-op stub used in
// tests, or an application's own adapter) can be injected.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// slogLogger adapts a *slog.Logger to the Logger interface.
type slogLogger struct {
	l *slog.Logger
}

// New wraps a *slog.Logger as the client's Logger collaborator. Passing nil
// uses slog's default handler.
func New(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

// NewText builds a Logger that writes leveled text lines to os.Stderr,
// useful for CLI tools that want human-readable output instead of JSON.
func NewText() Logger {
	return &slogLogger{l: slog.New(slog.NewTextHandler(os.Stderr, nil))}
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Log(context.Background(), slog.LevelDebug, msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Log(context.Background(), slog.LevelInfo, msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Log(context.Background(), slog.LevelWarn, msg, args...) }

// Nop discards every event. Used when no logger is configured (the spec's
// logger handle is optional).
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}

// Package logging configures structured logging for the relay using log/slog.
package logging

import (
	"io"
	"log"
	"log/slog"
	"strings"
)

// Level allows the log level to be changed at runtime.
var Level slog.LevelVar

// Setup installs the default slog logger.
//
//   - level: debug, info, warn, error (default: info)
//   - format: json, text (default: json)
//
// The standard library "log" package is bridged so that dependencies which
// log through it end up in the same structured stream.
func Setup(level, format string, w io.Writer) *slog.Logger {
	Level.Set(ParseLevel(level))
	opts := &slog.HandlerOptions{Level: &Level}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(bridge{logger: logger})
	log.SetFlags(0)
	return logger
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// ForSession returns the default logger bound to a session id.
func ForSession(sessionID string) *slog.Logger {
	return slog.Default().With("sessionID", sessionID)
}

// ForConn returns the default logger bound to a connection and, when known,
// its session.
func ForConn(connID, sessionID string) *slog.Logger {
	if sessionID == "" {
		return slog.Default().With("connID", connID)
	}
	return slog.Default().With("connID", connID, "sessionID", sessionID)
}

type bridge struct {
	logger *slog.Logger
}

func (b bridge) Write(p []byte) (int, error) {
	b.logger.Info(strings.TrimRight(string(p), "\n"), "source", "stdlib")
	return len(p), nil
}

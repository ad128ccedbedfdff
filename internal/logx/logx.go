// Package logx is the relay's structured logging helper, built over the
// standard library's log/slog, with a Debug flag that promotes verbose
// per-request tracing to the default level.
package logx

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// New builds a text-handler logger writing to w. debug promotes the handler
// to slog.LevelDebug; otherwise it logs at slog.LevelInfo.
func New(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// Discard is a logger that drops everything, used by components under test
// that do not want log noise.
var Discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// Request logs an inbound command at debug level.
func Request(l *slog.Logger, clientID, method string, id int64) {
	l.Debug("client request", "clientId", clientID, "method", method, "id", id)
}

// Response logs a completed command at debug level.
func Response(l *slog.Logger, clientID string, id int64, ok bool) {
	l.Debug("client response", "clientId", clientID, "id", id, "ok", ok)
}

// Param logs a resolved startup parameter at debug level.
func Param(l *slog.Logger, msg string, args ...any) {
	l.Debug(msg, args...)
}

// OpenLogFile opens path for appending, creating parent directories as
// needed.
func OpenLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Package telemetry builds the process logger. Log lines are JSON, written to
// <home>/logs/daemon.jsonl and mirrored to stdout unless quiet mode is on.
// Attribute keys and string values pass through redaction before any sink.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Cyber-41/ouroboros-free/internal/shared"
)

const logFileName = "daemon.jsonl"

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// sensitiveKeyParts flags attribute keys whose values are redacted wholesale.
var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

// NewLogger opens the log file and returns the configured logger plus the file
// handle for closing on shutdown.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	sink := io.Writer(file)
	if !quiet {
		sink = io.MultiWriter(os.Stdout, file)
	}

	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level:       Level(level),
		ReplaceAttr: sanitizeAttr,
	})
	logger := slog.New(handler).With("service", "ouroboros", "trace_id", "-")
	return logger, file, nil
}

// Level maps a config string to a slog level, defaulting to info.
func Level(name string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// sanitizeAttr renames the time key and scrubs secrets out of both keys and
// string values.
func sanitizeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}

	lowerKey := strings.ToLower(a.Key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lowerKey, part) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}

	if a.Value.Kind() == slog.KindString {
		v := a.Value.String()
		lower := strings.ToLower(v)
		// Auth material embedded in a value redacts the whole value; partial
		// scrubbing of headers is too easy to get wrong.
		if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") || strings.Contains(lower, "api_key") {
			return slog.String(a.Key, "[REDACTED]")
		}
		if scrubbed := shared.Redact(v); scrubbed != v {
			return slog.String(a.Key, scrubbed)
		}
	}
	return a
}

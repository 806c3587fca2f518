// Package telemetry owns the process logger. Log lines are JSON, one per
// line, appended to logs/system.jsonl under the state directory; stdout gets
// a mirror copy unless the caller asks for quiet. Anything secret-shaped is
// redacted before it reaches either sink.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/autopilot/internal/shared"
)

const logFileName = "system.jsonl"

// Keys containing any of these fragments are redacted wholesale.
var sensitiveKeyTokens = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey", "bearer",
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger builds the daemon logger. The returned closer owns the log file
// handle; callers close it on shutdown after the final log line.
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
		Level:       parseLevel(level),
		ReplaceAttr: redactAttr,
	})
	logger := slog.New(handler).With("component", "autopilotd", "trace_id", "-")
	return logger, file, nil
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		v := a.Value.String()
		lower := strings.ToLower(v)
		if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") || strings.Contains(lower, "api_key") {
			return slog.String(a.Key, "[REDACTED]")
		}
		if redacted := shared.Redact(v); redacted != v {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func parseLevel(level string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]; ok {
		return lvl
	}
	return slog.LevelInfo
}

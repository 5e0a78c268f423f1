package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-wayang/internal/shared"
)

// LogFileName is the structured system log written under the log folder.
const LogFileName = "system.jsonl"

// maxLogBytes is the size at which system.jsonl is rolled to system.jsonl.1
// when a process starts. One generation is kept.
var maxLogBytes int64 = 32 << 20

// NewLogger returns a JSON slog logger writing to <logDir>/system.jsonl and,
// unless quiet, to stdout as well. The stdio MCP mode must be quiet because
// stdout carries the protocol.
func NewLogger(logDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(logDir, LogFileName)
	if err := rollIfLarge(path); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: scrubAttr,
	})
	return slog.New(handler).With("component", "gowayang", "trace_id", "-"), file, nil
}

func rollIfLarge(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() < maxLogBytes {
		return nil
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("roll %s: %w", path, err)
	}
	return nil
}

// scrubAttr renames the time key and keeps credentials out of the log:
// secret-looking keys lose their value, and string values pass through
// shared.Redact so JDBC passwords and provider keys in error text are masked.
func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if secretKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	lower := strings.ToLower(v)
	if strings.Contains(lower, "authorization:") {
		return slog.String(a.Key, "[REDACTED]")
	}
	if redacted := shared.Redact(v); redacted != v {
		return slog.String(a.Key, redacted)
	}
	return a
}

func secretKey(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && (shared.RedactEnvValue(key, "x") != "x" ||
		strings.Contains(strings.ToLower(key), "authorization") ||
		strings.Contains(strings.ToLower(key), "bearer"))
}

// ParseLevel maps a config level name to a slog level; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

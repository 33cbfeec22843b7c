// Package telemetry builds the runtime's structured JSON logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-autonomy/internal/shared"
)

const redacted = "[REDACTED]"

// LogFile is the system log under <home>/logs.
const LogFile = "system.jsonl"

// NewLogger appends to <home>/logs/system.jsonl, echoing to stdout unless
// quiet. The closer releases the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	return New(w, level), file, nil
}

// New returns a logger writing redacted JSON to w. Every record carries
// component and trace_id; records logged with a context also pick up the
// goal and agent ids stored there by the shared package.
func New(w io.Writer, level string) *slog.Logger {
	inner := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: scrub,
	})
	return slog.New(&contextHandler{inner: inner}).With("component", "autonomy")
}

// contextHandler fills trace_id, goal_id and agent_id from the record's
// context unless the logger already bound them with With.
type contextHandler struct {
	inner slog.Handler
	bound []string
}

func (h *contextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !h.isBound("trace_id") {
		r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	}
	if id := shared.GoalID(ctx); id != "" && !h.isBound("goal_id") {
		r.AddAttrs(slog.String("goal_id", id))
	}
	if id := shared.AgentID(ctx); id != "" && !h.isBound("agent_id") {
		r.AddAttrs(slog.String("agent_id", id))
	}
	return h.inner.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := append([]string(nil), h.bound...)
	for _, a := range attrs {
		bound = append(bound, a.Key)
	}
	return &contextHandler{inner: h.inner.WithAttrs(attrs), bound: bound}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{inner: h.inner.WithGroup(name), bound: h.bound}
}

func (h *contextHandler) isBound(key string) bool {
	for _, k := range h.bound {
		if k == key {
			return true
		}
	}
	return false
}

func scrub(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
		return a
	case sensitiveKey(a.Key):
		return slog.String(a.Key, redacted)
	case a.Value.Kind() != slog.KindString:
		return a
	}
	v := a.Value.String()
	if strings.Contains(strings.ToLower(v), "authorization:") {
		return slog.String(a.Key, redacted)
	}
	if clean := shared.Redact(v); clean != v {
		return slog.String(a.Key, clean)
	}
	return a
}

var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey"}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, part := range sensitiveKeyParts {
		if lower != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// ParseLevel maps a config log level to slog. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return slog.LevelWarn
	case "debug", "info", "warn", "error":
		_ = l.UnmarshalText([]byte(s))
		return l
	default:
		return slog.LevelInfo
	}
}

// Package audit appends intention decisions to a JSONL file under the home
// directory's logs folder.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-autonomy/internal/intention"
	"github.com/basket/go-autonomy/internal/shared"
)

const FileName = "audit.jsonl"

type entry struct {
	Timestamp   string `json:"timestamp"`
	TraceID     string `json:"trace_id,omitempty"`
	IntentionID string `json:"intention_id"`
	Decision    string `json:"decision"`
	Title       string `json:"title"`
	Category    string `json:"category,omitempty"`
	Priority    string `json:"priority"`
	Note        string `json:"note,omitempty"`
}

// Log is an append-only intention.Recorder.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	rejected atomic.Int64
	approved atomic.Int64
	now      func() time.Time
}

func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(logDir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{file: f, path: path, now: time.Now}, nil
}

func (l *Log) Path() string { return l.path }

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Counts returns approvals and rejections recorded since Open.
func (l *Log) Counts() (approved, rejected int64) {
	return l.approved.Load(), l.rejected.Load()
}

// StoreIntention writes one line per state change. Secrets in the title and
// note are redacted before they reach disk.
func (l *Log) StoreIntention(ctx context.Context, in intention.Intention) error {
	switch in.Status {
	case intention.StatusApproved:
		l.approved.Add(1)
	case intention.StatusRejected:
		l.rejected.Add(1)
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	b, err := json.Marshal(entry{
		Timestamp:   l.now().UTC().Format(time.RFC3339Nano),
		TraceID:     traceID,
		IntentionID: in.ID,
		Decision:    string(in.Status),
		Title:       shared.Redact(in.Title),
		Category:    in.Category,
		Priority:    in.Priority.String(),
		Note:        shared.Redact(in.Note),
	})
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}
	if _, err := l.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

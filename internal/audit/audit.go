// Package audit keeps the per-session trail of orchestration steps: every
// generation, validation, execution and repair is appended to audit.jsonl
// and, when a database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-wayang/internal/shared"
)

// FileName is the audit trail written under the log directory.
const FileName = "audit.jsonl"

type entry struct {
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Version   int    `json:"version,omitempty"`
	Event     string `json:"event"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	faultCount atomic.Int64
)

func Init(logDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches the store's database for audit_log writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FaultCount returns the number of recorded *.failed and *.fault events since startup.
func FaultCount() int64 {
	return faultCount.Load()
}

// Record appends one step of a session. Session id, trace id and plan version
// are taken from ctx. Detail is redacted before it is written anywhere.
func Record(ctx context.Context, event, detail string) {
	if strings.HasSuffix(event, ".failed") || strings.HasSuffix(event, ".fault") {
		faultCount.Add(1)
	}

	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: shared.SessionID(ctx),
		TraceID:   shared.TraceID(ctx),
		Version:   shared.PlanVersion(ctx),
		Event:     event,
		Detail:    shared.Redact(detail),
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		if b, err := json.Marshal(ev); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (session_id, trace_id, version, event, detail)
			VALUES (?, ?, ?, ?, ?);
		`, ev.SessionID, ev.TraceID, ev.Version, ev.Event, ev.Detail)
	}
}

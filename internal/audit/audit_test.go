package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-wayang/internal/shared"
)

func readEntries(t *testing.T, dir string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal audit entry: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesSessionFields(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := shared.WithSessionID(context.Background(), "session-1")
	ctx = shared.WithTraceID(ctx, "trace-1")
	ctx = shared.WithPlanVersion(ctx, 2)

	Record(ctx, "plan.generated", "3 operations")
	Record(ctx, "plan.validation.failed", "Operation id 2: Missing output operator")

	entries := readEntries(t, dir)
	if len(entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(entries))
	}
	first := entries[0]
	if first["session_id"] != "session-1" || first["trace_id"] != "trace-1" {
		t.Fatalf("expected session and trace ids, got %#v", first)
	}
	if first["version"] != float64(2) {
		t.Fatalf("expected version 2, got %#v", first["version"])
	}
	if entries[1]["event"] != "plan.validation.failed" {
		t.Fatalf("expected ordered events, got %#v", entries[1])
	}
}

func TestRecordRedactsDetail(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), "schemas.load.failed", "dial postgres://wayang:pw12345@db/tpch: refused")

	entries := readEntries(t, dir)
	detail, _ := entries[0]["detail"].(string)
	if strings.Contains(detail, "pw12345") {
		t.Fatalf("expected credentials redacted, got %q", detail)
	}
}

func TestFaultCountTracksFailures(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := FaultCount()
	Record(context.Background(), "plan.execution.failed", "status 500")
	Record(context.Background(), "plan.executed", "status 200")
	Record(context.Background(), "session.generation.fault", "llm unavailable")
	if got := FaultCount() - before; got != 2 {
		t.Fatalf("expected 2 new faults, got %d", got)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), "session.started", "q1")
	path := filepath.Join(dir, FileName)
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	Record(context.Background(), "session.finished", "ok")
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, before=%d after=%d", info1.Size(), info2.Size())
	}
}

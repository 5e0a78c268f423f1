package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/basket/go-wayang/internal/coordinator"
	"github.com/basket/go-wayang/internal/persistence"
	"github.com/basket/go-wayang/internal/plan"
)

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	out := buf.String()
	for _, want := range []string{"gowayang mcp", "gowayang run [flags] <query>", "gowayang validate", "GOWAYANG_HOME"} {
		if !strings.Contains(out, want) {
			t.Fatalf("usage missing %q:\n%s", want, out)
		}
	}
}

func TestQuietLogs(t *testing.T) {
	tests := []struct {
		cmd  string
		tty  bool
		want bool
	}{
		{cmdServe, true, false},
		{cmdServe, false, true},
		{cmdMCP, true, true},
		{cmdMCP, false, true},
		{cmdRun, true, true},
		{cmdSchemas, false, true},
	}
	for _, tt := range tests {
		if got := quietLogs(tt.cmd, tt.tty); got != tt.want {
			t.Errorf("quietLogs(%s, tty=%t) = %t, want %t", tt.cmd, tt.tty, got, tt.want)
		}
	}
}

func TestParseRunArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantQuery  string
		wantRepair *bool
		wantErr    bool
	}{
		{name: "plain query", args: []string{"count", "words"}, wantQuery: "count words"},
		{name: "debugger on", args: []string{"-debugger", "True", "q"}, wantQuery: "q", wantRepair: boolPtr(true)},
		{name: "debugger off", args: []string{"-debugger=false", "q"}, wantQuery: "q", wantRepair: boolPtr(false)},
		{name: "model and reasoning", args: []string{"-model", "gpt-5", "-reasoning", "high", "q"}, wantQuery: "q"},
		{name: "missing query", args: nil, wantErr: true},
		{name: "bad reasoning", args: []string{"-reasoning", "extreme", "q"}, wantErr: true},
		{name: "bad debugger", args: []string{"-debugger", "maybe", "q"}, wantErr: true},
		{name: "unknown flag", args: []string{"-nope", "q"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseRunArgs(tt.args, io.Discard)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", opts)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if opts.query != tt.wantQuery {
				t.Fatalf("query = %q, want %q", opts.query, tt.wantQuery)
			}
			switch {
			case tt.wantRepair == nil && opts.repair != nil:
				t.Fatalf("repair = %v, want unset", *opts.repair)
			case tt.wantRepair != nil && (opts.repair == nil || *opts.repair != *tt.wantRepair):
				t.Fatalf("repair = %v, want %v", opts.repair, *tt.wantRepair)
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }

type stubGenerator struct {
	plan *plan.LogicalPlan
	err  error
	sel  coordinator.ModelSelection
}

func (g *stubGenerator) Generate(_ context.Context, _ string, sel coordinator.ModelSelection) (*plan.LogicalPlan, error) {
	g.sel = sel
	return g.plan, g.err
}

type stubRepairer struct{}

func (stubRepairer) SystemPrompt() string { return "" }
func (stubRepairer) Repair(context.Context, coordinator.RepairRequest) (*coordinator.RepairResponse, error) {
	return nil, errors.New("no repairs in tests")
}

type stubExecutor struct {
	status int
	body   string
}

func (e stubExecutor) Execute(context.Context, *plan.ExecutionPlan) (int, string, error) {
	return e.status, e.body, nil
}

func wordCountPlan() *plan.LogicalPlan {
	return &plan.LogicalPlan{Operations: []plan.Operation{
		{ID: 1, Cat: plan.CategoryInput, OperatorName: "textFileInput", Input: []int{}, Output: []int{2}},
		{ID: 2, Cat: plan.CategoryUnary, OperatorName: "flatMap", Input: []int{1}, Output: []int{3}},
		{ID: 3, Cat: plan.CategoryOutput, OperatorName: "textFileOutput", Input: []int{2}, Output: []int{}},
	}}
}

func testApp(gen coordinator.Generator, exec coordinator.Executor) *app {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &app{
		logger: logger,
		orch: coordinator.New(coordinator.Deps{
			Generator: gen,
			Repairer:  stubRepairer{},
			Mapper:    plan.Mapper{InputFolder: "/in", OutputFolder: "/out"},
			Executor:  exec,
			Logger:    logger,
		}, coordinator.Limits{MaxIterations: 3}),
	}
}

func TestRunQueryCommand_Success(t *testing.T) {
	gen := &stubGenerator{plan: wordCountPlan()}
	a := testApp(gen, stubExecutor{status: 200, body: "hello,2"})

	var stdout, stderr bytes.Buffer
	code := runQueryCommand(context.Background(), a, []string{"-model", "gpt-5", "count words"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code %d, stderr %s", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != "hello,2" {
		t.Fatalf("stdout = %q", stdout.String())
	}
	if gen.sel.Model != "gpt-5" {
		t.Fatalf("model override not passed: %+v", gen.sel)
	}

	code = runResultCommand(context.Background(), a, nil, &stdout)
	if code != 0 || !strings.Contains(stdout.String(), "hello,2") {
		t.Fatalf("result exit %d, stdout %q", code, stdout.String())
	}
	if code := runResultCommand(context.Background(), a, []string{"no-such-session"}, io.Discard); code != 1 {
		t.Fatalf("unknown session exit code %d, want 1", code)
	}
}

func TestRunQueryCommand_JSONReport(t *testing.T) {
	a := testApp(&stubGenerator{plan: wordCountPlan()}, stubExecutor{status: 200, body: "ok"})
	var stdout bytes.Buffer
	if code := runQueryCommand(context.Background(), a, []string{"-json", "q"}, &stdout, io.Discard); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	var view reportView
	if err := json.Unmarshal(stdout.Bytes(), &view); err != nil {
		t.Fatalf("decode %s: %v", stdout.String(), err)
	}
	if view.Outcome != string(coordinator.OutcomeSuccess) || view.SessionID == "" || view.Attempts != 1 || view.Version != 1 {
		t.Fatalf("report = %+v", view)
	}
}

func TestRunQueryCommand_FailureExitCode(t *testing.T) {
	a := testApp(&stubGenerator{err: errors.New("model offline")}, stubExecutor{status: 200})
	var stdout bytes.Buffer
	if code := runQueryCommand(context.Background(), a, []string{"q"}, &stdout, io.Discard); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if strings.TrimSpace(stdout.String()) == "" {
		t.Fatal("failed runs should still print the reply")
	}
}

func TestRunQueryCommand_UsageError(t *testing.T) {
	a := testApp(&stubGenerator{}, stubExecutor{})
	if code := runQueryCommand(context.Background(), a, nil, io.Discard, io.Discard); code != 2 {
		t.Fatalf("exit code %d, want 2", code)
	}
}

func TestRunValidateCommand(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.json")
	invalid := filepath.Join(dir, "invalid.json")
	writeFile(t, valid, `{"context":{"platforms":["java"]},"operators":[
		{"id":1,"cat":"input","input":[],"output":[2]},
		{"id":2,"cat":"unary","input":[1],"output":[3]},
		{"id":3,"cat":"output","input":[2],"output":[]}]}`)
	writeFile(t, invalid, `{"operators":[
		{"id":1,"cat":"input","input":[],"output":[2]},
		{"id":2,"cat":"unary","input":[1,1],"output":[3]},
		{"id":3,"cat":"unary","input":[2],"output":[4]},
		{"id":4,"cat":"output","input":[3],"output":[]}]}`)

	var out bytes.Buffer
	if code := runValidateCommand([]string{valid}, &out, io.Discard); code != 0 {
		t.Fatalf("valid plan exit %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), "plan is valid") {
		t.Fatalf("stdout = %q", out.String())
	}

	out.Reset()
	if code := runValidateCommand([]string{invalid}, &out, io.Discard); code != 1 {
		t.Fatalf("invalid plan exit %d", code)
	}
	if !strings.Contains(out.String(), "Operation id 2: Unary operators can only have one input id") {
		t.Fatalf("stdout = %q", out.String())
	}

	if code := runValidateCommand([]string{filepath.Join(dir, "missing.json")}, io.Discard, io.Discard); code != 1 {
		t.Fatalf("missing file exit %d", code)
	}
	if code := runValidateCommand(nil, io.Discard, io.Discard); code != 2 {
		t.Fatalf("no args exit %d", code)
	}
}

func TestRunBackupCommand(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gowayang.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	a := &app{store: store}

	dest := filepath.Join(t.TempDir(), "snap.db")
	var out bytes.Buffer
	if code := runBackupCommand(context.Background(), a, []string{dest}, &out); code != 0 {
		t.Fatalf("backup exit %d", code)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if code := runBackupCommand(context.Background(), a, []string{dest}, io.Discard); code != 1 {
		t.Fatalf("existing destination exit %d, want 1", code)
	}
	if code := runBackupCommand(context.Background(), a, nil, io.Discard); code != 2 {
		t.Fatalf("no args exit %d, want 2", code)
	}
}

func TestRunInitCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOWAYANG_HOME", home)
	if code := runInitCommand(nil); code != 0 {
		t.Fatalf("init exit %d", code)
	}
	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err != nil {
		t.Fatalf("config.yaml not written: %v", err)
	}
	if code := runInitCommand(nil); code != 0 {
		t.Fatalf("second init exit %d", code)
	}
	if code := runInitCommand([]string{"extra"}); code != 2 {
		t.Fatalf("extra args exit %d", code)
	}
}

func TestIsAddrInUse(t *testing.T) {
	inUse := &net.OpError{Op: "listen", Net: "tcp", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
	if !isAddrInUse(inUse) {
		t.Fatal("EADDRINUSE not detected")
	}
	if !isAddrInUse(errors.New("listen tcp 127.0.0.1:9500: bind: address already in use")) {
		t.Fatal("message form not detected")
	}
	if isAddrInUse(errors.New("permission denied")) {
		t.Fatal("unrelated error reported as in use")
	}
}

func TestPortOccupantHint(t *testing.T) {
	orig := execCommandFunc
	t.Cleanup(func() { execCommandFunc = orig })

	execCommandFunc = func(string, ...string) *exec.Cmd { return exec.Command("echo", "4242") }
	if hint := portOccupantHint("127.0.0.1:9500"); !strings.Contains(hint, "PID 4242") {
		t.Fatalf("hint = %q", hint)
	}

	execCommandFunc = func(string, ...string) *exec.Cmd { return exec.Command("false") }
	if hint := portOccupantHint("127.0.0.1:9500"); !strings.Contains(hint, "Port 9500 is already in use") {
		t.Fatalf("hint = %q", hint)
	}

	if hint := portOccupantHint("not-an-addr"); !strings.Contains(hint, "not-an-addr") {
		t.Fatalf("hint = %q", hint)
	}
}

func TestStartupErrorUnwraps(t *testing.T) {
	base := errors.New("disk full")
	err := startupFault("E_STORE_OPEN", base)
	var se *startupError
	if !errors.As(err, &se) || se.code != "E_STORE_OPEN" || !errors.Is(err, base) {
		t.Fatalf("err = %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunDoctorCommand(t *testing.T) {
	if code := runDoctorCommand(context.Background(), []string{"--verbose"}, io.Discard); code != 2 {
		t.Fatalf("bad flag exit %d, want 2", code)
	}

	home := t.TempDir()
	t.Setenv("GOWAYANG_HOME", home)
	var out bytes.Buffer
	runDoctorCommand(context.Background(), []string{"-json"}, &out)
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("decode %s: %v", out.String(), err)
	}
	names := map[string]string{}
	for _, r := range diag.Results {
		names[r.Name] = r.Status
	}
	if names["Config"] != "WARN" || names["Database"] != "PASS" || names["Data Source"] != "SKIP" {
		t.Fatalf("results = %v", names)
	}
}

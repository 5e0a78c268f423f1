package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-wayang/internal/audit"
	"github.com/basket/go-wayang/internal/config"
	"github.com/basket/go-wayang/internal/telemetry"
)

// Version is set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

const (
	cmdServe    = "serve"
	cmdMCP      = "mcp"
	cmdRun      = "run"
	cmdValidate = "validate"
	cmdSchemas  = "schemas"
	cmdResult   = "result"
	cmdStatus   = "status"
	cmdInit     = "init"
	cmdDoctor   = "doctor"
	cmdBackup   = "backup"
)

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `gowayang %s - natural language to Apache Wayang plans

usage:
  gowayang [serve]                  run the MCP gateway (HTTP + WebSocket)
  gowayang mcp                      serve MCP over stdio
  gowayang run [flags] <query>      run one query and print the reply
  gowayang validate <plan.json>     check an execution plan without running it
  gowayang schemas                  refresh table and text file schemas
  gowayang result [session-id]      print a stored result (default: latest)
  gowayang status                   query /healthz of a running gateway
  gowayang backup <dest.db>         snapshot the session store
  gowayang init                     write a starter config.yaml
  gowayang doctor [-json]           diagnose config, store, Wayang and data source
  gowayang help                     show this message

Config lives in $GOWAYANG_HOME (default ~/.gowayang).
`, Version)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cmdServe
	args := os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	case "version", "--version":
		fmt.Println(Version)
		return
	case cmdValidate:
		os.Exit(runValidateCommand(args, os.Stdout, os.Stderr))
	case cmdStatus:
		os.Exit(runStatusCommand(ctx, args))
	case cmdInit:
		os.Exit(runInitCommand(args))
	case cmdDoctor:
		os.Exit(runDoctorCommand(ctx, args, os.Stdout))
	case cmdServe, cmdMCP, cmdRun, cmdSchemas, cmdResult, cmdBackup:
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := audit.Init(cfg.LogFolder); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	quiet := quietLogs(cmd, isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()))
	logger, closer, err := telemetry.NewLogger(cfg.LogFolder, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "command", cmd, "home", cfg.HomeDir, "version", Version)
	if cfg.NeedsInit {
		logger.Warn("no config.yaml found, using defaults; run `gowayang init` to write one", "home", cfg.HomeDir)
	}

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		var se *startupError
		if errors.As(err, &se) {
			fatalStartup(logger, se.code, se.err)
		}
		fatalStartup(logger, "E_STARTUP", err)
	}
	defer app.Close()

	var code int
	switch cmd {
	case cmdServe:
		code = runServe(ctx, app, args)
	case cmdMCP:
		code = runMCP(ctx, app, args, os.Stdin, os.Stdout)
	case cmdRun:
		code = runQueryCommand(ctx, app, args, os.Stdout, os.Stderr)
	case cmdSchemas:
		code = runSchemasCommand(ctx, app, args, os.Stdout)
	case cmdResult:
		code = runResultCommand(ctx, app, args, os.Stdout)
	case cmdBackup:
		code = runBackupCommand(ctx, app, args, os.Stdout)
	}
	if code != 0 {
		app.Close()
		audit.Close()
		closer.Close()
		os.Exit(code)
	}
}

// quietLogs keeps stdout free of log lines. Only the gateway echoes logs,
// and only to an interactive terminal; a supervisor reads the log file.
func quietLogs(cmd string, stdoutIsTTY bool) bool {
	if cmd != cmdServe {
		return true
	}
	return !stdoutIsTTY
}

// startupError carries the reason code reported by fatalStartup.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func startupFault(code string, err error) error {
	return &startupError{code: code, err: err}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "runtime.startup.fault", reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr (or MCP_PORT).", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = exec.Command

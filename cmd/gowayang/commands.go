package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-wayang/internal/config"
	"github.com/basket/go-wayang/internal/coordinator"
	"github.com/basket/go-wayang/internal/plan"
)

type runOptions struct {
	query     string
	model     string
	reasoning string
	repair    *bool
	asJSON    bool
}

func parseRunArgs(args []string, stderr io.Writer) (runOptions, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts runOptions
	var debugger string
	fs.StringVar(&opts.model, "model", "", "builder model override")
	fs.StringVar(&opts.reasoning, "reasoning", "", "reasoning effort: minimal, low, medium or high")
	fs.StringVar(&debugger, "debugger", "", "enable the repair loop (true/false); default from config")
	fs.BoolVar(&opts.asJSON, "json", false, "print the full report as JSON")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: gowayang run [flags] <query>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.query = strings.TrimSpace(strings.Join(fs.Args(), " "))
	if opts.query == "" {
		fs.Usage()
		return opts, errors.New("query is required")
	}
	switch opts.reasoning {
	case "", "minimal", "low", "medium", "high":
	default:
		return opts, fmt.Errorf("invalid -reasoning %q", opts.reasoning)
	}
	if debugger != "" {
		on, err := config.ParseBool(debugger)
		if err != nil {
			return opts, fmt.Errorf("invalid -debugger: %w", err)
		}
		opts.repair = &on
	}
	return opts, nil
}

type reportView struct {
	SessionID string `json:"session_id"`
	Version   int    `json:"version"`
	Outcome   string `json:"outcome"`
	Status    int    `json:"status"`
	Reply     string `json:"reply"`
	Result    string `json:"result,omitempty"`
	Attempts  int    `json:"attempts"`
}

func runQueryCommand(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	opts, err := parseRunArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 2
	}
	rep := a.orch.Run(ctx, coordinator.Query{
		Text:      opts.query,
		Model:     opts.model,
		Reasoning: opts.reasoning,
		Repair:    opts.repair,
	})
	writeReport(rep, opts.asJSON, isTerminal(stdout), stdout, stderr)
	if rep.Outcome != coordinator.OutcomeSuccess {
		return 1
	}
	return 0
}

func writeReport(rep *coordinator.Report, asJSON, tty bool, stdout, stderr io.Writer) {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(reportView{
			SessionID: rep.SessionID,
			Version:   rep.Version,
			Outcome:   string(rep.Outcome),
			Status:    rep.Status,
			Reply:     rep.Reply,
			Result:    rep.Result,
			Attempts:  len(rep.Attempts),
		})
		return
	}
	if tty {
		fmt.Fprintf(stderr, "session %s  plan v%d  %s\n", rep.SessionID, rep.Version, rep.Outcome)
	}
	fmt.Fprintln(stdout, rep.Reply)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// runValidateCommand checks a wire-format plan file (or stdin with "-")
// and prints one diagnostic per line.
func runValidateCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: gowayang validate <plan.json|->")
		return 2
	}
	var (
		raw []byte
		err error
	)
	if args[0] == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		fmt.Fprintf(stderr, "validate: %v\n", err)
		return 1
	}
	ok, diags := plan.ValidateJSON(raw)
	if ok {
		fmt.Fprintln(stdout, "plan is valid")
		return 0
	}
	for _, d := range diags {
		fmt.Fprintln(stdout, d)
	}
	return 1
}

func runSchemasCommand(ctx context.Context, a *app, args []string, stdout io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: gowayang schemas")
		return 2
	}
	msg, err := a.loader.LoadAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schemas: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, msg)
	return 0
}

func runResultCommand(ctx context.Context, a *app, args []string, stdout io.Writer) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: gowayang result [session-id]")
		return 2
	}
	id := ""
	if len(args) == 1 {
		id = args[0]
	}
	out, err := a.orch.Result(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "result: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, out)
	return 0
}

func runBackupCommand(ctx context.Context, a *app, args []string, stdout io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: gowayang backup <dest.db>")
		return 2
	}
	if err := a.store.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", args[0])
	return 0
}

func runInitCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: gowayang init")
		return 2
	}
	home := config.HomeDir()
	wrote, err := config.WriteDefault(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	if !wrote {
		fmt.Printf("config already exists at %s\n", config.ConfigPath(home))
		return 0
	}
	fmt.Printf("wrote %s\n", config.ConfigPath(home))
	return 0
}

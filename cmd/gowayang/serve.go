package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/basket/go-wayang/internal/audit"
	"github.com/basket/go-wayang/internal/config"
	"github.com/basket/go-wayang/internal/cron"
	"github.com/basket/go-wayang/internal/gateway"
)

func runServe(ctx context.Context, a *app, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: gowayang serve")
		return 2
	}
	cfg := a.config()

	sched, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{
			cron.RetentionJob(cfg.Maintenance.RetentionCron, cfg.Maintenance.RetentionDays, a.store, a.logger),
			cron.SchemaRefreshJob(cfg.Maintenance.SchemaRefreshCron, a.loader),
		},
		KV:     a.store,
		Logger: a.logger,
	})
	if err != nil {
		fatalStartup(a.logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	a.logger.Info("startup phase", "phase", "cron_started", "jobs", sched.Jobs())

	watcher := config.NewWatcher(cfg.HomeDir, a.logger)
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config watcher disabled", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				a.reload()
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		MCP:               a.mcp,
		Store:             a.store,
		Bus:               a.bus,
		Logger:            a.logger,
		Metrics:           a.metrics,
		RateLimit:         cfg.RateLimit,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: func() string { return a.config().Fingerprint() },
		LLMAvailable:      a.model.Available,
	})
	audit.Record(ctx, "runtime.started", "bind_addr="+cfg.BindAddr+" version="+Version)
	a.logger.Info("startup phase", "phase", "gateway_starting", "bind_addr", cfg.BindAddr)

	if err := gw.ListenAndServe(ctx, cfg.BindAddr); err != nil {
		if isAddrInUse(err) {
			fmt.Fprintln(os.Stderr, portOccupantHint(cfg.BindAddr))
			fatalStartup(a.logger, "E_BIND_ADDR_IN_USE", err)
		}
		fatalStartup(a.logger, "E_GATEWAY_SERVE", err)
	}
	a.logger.Info("gateway stopped")
	audit.Record(context.Background(), "runtime.stopped", "")
	return 0
}

// runMCP serves the tools over stdin/stdout until EOF or a signal.
func runMCP(ctx context.Context, a *app, args []string, in io.Reader, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: gowayang mcp")
		return 2
	}
	a.logger.Info("startup phase", "phase", "mcp_stdio")
	if err := a.mcp.Serve(ctx, in, out); err != nil {
		a.logger.Error("mcp stdio stopped", "error", err)
		return 1
	}
	return 0
}

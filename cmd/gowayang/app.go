package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-wayang/internal/audit"
	"github.com/basket/go-wayang/internal/bus"
	"github.com/basket/go-wayang/internal/config"
	"github.com/basket/go-wayang/internal/coordinator"
	"github.com/basket/go-wayang/internal/engine"
	"github.com/basket/go-wayang/internal/mcp"
	"github.com/basket/go-wayang/internal/otel"
	"github.com/basket/go-wayang/internal/persistence"
	"github.com/basket/go-wayang/internal/plan"
	"github.com/basket/go-wayang/internal/schemas"
	"github.com/basket/go-wayang/internal/wayang"
)

// app holds the long-lived collaborators shared by every subcommand.
type app struct {
	logger    *slog.Logger
	bus       *bus.Bus
	telemetry *otel.Provider
	metrics   *otel.Metrics
	store     *persistence.Store
	model     *engine.GenkitModel
	orch      *coordinator.Orchestrator
	loader    *schemas.Loader
	mcp       *mcp.Server

	mu  sync.RWMutex
	cfg config.Config

	closeOnce sync.Once
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger, bus: bus.New(), cfg: cfg}

	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, startupFault("E_OTEL_INIT", err)
	}
	a.telemetry = provider
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		a.Close()
		return nil, startupFault("E_OTEL_INIT", err)
	}
	a.metrics = metrics
	logger.Info("startup phase", "phase", "telemetry_ready", "otel_enabled", cfg.OTel.Enabled)

	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		a.Close()
		return nil, startupFault("E_STORE_OPEN", err)
	}
	a.store = store
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "store_open", "path", cfg.DBPath())

	a.model = engine.NewGenkitModel(ctx, cfg.LLM,
		engine.WithLogger(logger),
		engine.WithTelemetry(provider.Tracer, metrics),
	)
	if !a.model.Available() {
		logger.Warn("llm unavailable; queries will fail until an API key is configured", "provider", cfg.LLM.Provider)
	}
	prompts := engine.NewPromptLoader(cfg.DataDir)
	builder, err := engine.NewBuilder(a.model, prompts, cfg.LLM, logger)
	if err != nil {
		a.Close()
		return nil, startupFault("E_ENGINE_INIT", err)
	}
	debugger, err := engine.NewDebugger(a.model, prompts, cfg.LLM, logger)
	if err != nil {
		a.Close()
		return nil, startupFault("E_ENGINE_INIT", err)
	}
	logger.Info("startup phase", "phase", "engine_ready", "provider", cfg.LLM.Provider,
		"builder_model", cfg.LLM.BuilderModel, "debugger_model", cfg.LLM.DebuggerModel)

	client := wayang.NewClient(cfg.Wayang.URL,
		wayang.WithTimeout(time.Duration(cfg.Wayang.TimeoutSeconds)*time.Second),
		wayang.WithMaxBodyBytes(cfg.Wayang.MaxBodyBytes),
		wayang.WithTelemetry(provider.Tracer, metrics),
	)
	a.logger.Info("startup phase", "phase", "wayang_client_ready", "url", client.URL())
	jdbc := plan.JDBC{URI: cfg.JDBC.URI, Username: cfg.JDBC.Username, Password: cfg.JDBC.Password}

	a.orch = coordinator.New(coordinator.Deps{
		Generator: builder,
		Repairer:  debugger,
		Mapper: plan.Mapper{
			InputFolder:  cfg.InputFolder,
			OutputFolder: cfg.OutputFolder,
			JDBC:         jdbc,
			Platforms:    cfg.Wayang.Platforms,
		},
		Executor: client,
		Store:    store,
		Bus:      a.bus,
		Logger:   logger,
		Tracer:   provider.Tracer,
		Metrics:  metrics,
	}, limitsFor(cfg))

	a.loader = &schemas.Loader{
		JDBC:        jdbc,
		InputFolder: cfg.InputFolder,
		DataDir:     cfg.DataDir,
		Bus:         a.bus,
		Logger:      logger,
	}

	a.mcp, err = mcp.NewServer(mcp.Config{
		Runner:  a.orch,
		Schemas: a.loader,
		Logger:  logger,
		Tracer:  provider.Tracer,
		Version: Version,
	})
	if err != nil {
		a.Close()
		return nil, startupFault("E_MCP_INIT", err)
	}
	logger.Info("startup phase", "phase", "orchestrator_ready", "wayang_url", cfg.Wayang.URL,
		"max_iterations", cfg.MaxIterations, "use_debugger", cfg.UseDebugger)
	return a, nil
}

func limitsFor(cfg config.Config) coordinator.Limits {
	return coordinator.Limits{MaxIterations: cfg.MaxIterations, RepairEnabled: cfg.UseDebugger}
}

func (a *app) config() config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// reload applies the settings that can change without a restart: the
// iteration budget and the debugger default. Everything else is logged.
func (a *app) reload() {
	next, err := config.Load()
	if err != nil {
		a.logger.Error("config reload failed; keeping previous config", "error", err)
		return
	}
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	a.orch.SetLimits(limitsFor(next))
	a.logger.Info("config reloaded",
		"fingerprint", next.Fingerprint(),
		"max_iterations", next.MaxIterations,
		"use_debugger", next.UseDebugger)
	if prev.LLM != next.LLM || prev.Wayang.URL != next.Wayang.URL || prev.JDBC != next.JDBC || prev.BindAddr != next.BindAddr {
		a.logger.Warn("config change requires restart to take effect", "fields", "llm, wayang.url, jdbc, bind_addr")
	}
}

func (a *app) Close() {
	a.closeOnce.Do(func() {
		if a.telemetry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.telemetry.Shutdown(ctx); err != nil {
				a.logger.Warn("otel shutdown", "error", err)
			}
			cancel()
		}
		if a.store != nil {
			audit.SetDB(nil)
			if err := a.store.Close(); err != nil {
				a.logger.Warn("store close", "error", err)
			}
		}
	})
}

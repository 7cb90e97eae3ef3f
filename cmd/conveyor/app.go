package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/governance"
	"github.com/conveyorci/conveyor/pkg/cache"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/engine"
	"github.com/conveyorci/conveyor/pkg/engine/yamlengine"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/logging"
	"github.com/conveyorci/conveyor/pkg/runner"
	"github.com/conveyorci/conveyor/pkg/sandbox"
	"github.com/conveyorci/conveyor/pkg/storage"
	"github.com/conveyorci/conveyor/pkg/telemetry"
)

const defaultRunHistory = 256

// app holds the assembled execution core shared by all subcommands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	service *engine.Service
	bus     *events.Bus
	buffer  *storage.EventBuffer
	store   *storage.MemoryRunStore
	metrics *sandbox.Metrics

	shutdownTelemetry func(context.Context) error
}

type rootFlags struct {
	configPath string
	logLevel   string
	pretty     bool
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "conveyor",
		Short:         "Multi-engine pipeline DSL execution core",
		Long:          "conveyor compiles and executes pipeline definitions written in pluggable\nscript DSLs, running every script inside a resource-bounded sandbox.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flags.pretty, "pretty", false, "Enable pretty console logging")

	root.AddCommand(
		newRunCommand(flags),
		newValidateCommand(flags),
		newEnginesCommand(flags),
		newServeCommand(flags),
	)
	return root
}

// buildApp assembles the full execution stack from configuration. The caller
// owns shutdown: close() releases the telemetry exporter and the run store.
func buildApp(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.pretty {
		cfg.Logging.Pretty = true
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "conveyor",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	scriptCache, err := cache.New(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes(),
		TTL:        cfg.Cache.TTL(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build cache: %w", err)
	}

	metrics := sandbox.NewMetrics()
	sandboxMgr, err := sandbox.NewManager(ctx, sandbox.Config{
		SampleInterval: cfg.Sandbox.Monitoring.SampleInterval(),
		Budget: governance.ViolationBudgetConfig{
			MaxViolationsBeforeAbort: cfg.Sandbox.Violations.MaxViolationsBeforeAbort,
			Cooldown:                 cfg.Sandbox.Violations.Cooldown(),
		},
		WorkRoot:                  cfg.Sandbox.WorkRoot,
		ContainerImage:            cfg.Sandbox.ContainerImage,
		DisableResourceMonitoring: !cfg.Sandbox.Monitoring.EnableResourceMonitoring,
		LogViolations:             cfg.Sandbox.Monitoring.LogViolations,
	}, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("build sandbox: %w", err)
	}

	bus := events.NewBus(logger)
	buffer := storage.NewEventBuffer(0)
	bus.Subscribe(buffer.Record, nil)

	registry := engine.NewRegistry()
	manager := engine.NewManager(registry, scriptCache, sandboxMgr, bus, logger)

	agent := &runner.SandboxAgent{
		Sandbox: sandboxMgr,
		Spec:    cfg.Sandbox.Spec(),
	}
	pipelineRunner := runner.New(agent, bus, logger)

	store := storage.NewMemoryRunStore(defaultRunHistory)
	service := engine.NewService(manager, pipelineRunner, store, cfg.Sandbox.ExecutionContext(), logger)

	if err := service.RegisterEngine(yamlengine.New(logger)); err != nil {
		return nil, fmt.Errorf("register yaml engine: %w", err)
	}

	return &app{
		cfg:               cfg,
		logger:            logger,
		service:           service,
		bus:               bus,
		buffer:            buffer,
		store:             store,
		metrics:           metrics,
		shutdownTelemetry: shutdown,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing run store", "error", err)
	}
	if err := a.shutdownTelemetry(ctx); err != nil {
		a.logger.Warn("flushing telemetry", "error", err)
	}
}

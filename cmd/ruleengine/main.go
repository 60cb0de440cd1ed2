// Package main runs the cell event rule engine: it judges cell events against their
// cells' rules and dispatches the matched actions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/personium/personium-core-sub028/action"
	"github.com/personium/personium-core-sub028/bus"
	"github.com/personium/personium-core-sub028/config"
	"github.com/personium/personium-core-sub028/engine"
	"github.com/personium/personium-core-sub028/entitystore"
	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/health"
	"github.com/personium/personium-core-sub028/logsink"
	"github.com/personium/personium-core-sub028/metric"
	"github.com/personium/personium-core-sub028/natsclient"
	"github.com/personium/personium-core-sub028/pkg/tlsutil"
	"github.com/personium/personium-core-sub028/ruleindex"
	"github.com/personium/personium-core-sub028/tenant"
	"github.com/personium/personium-core-sub028/timer"
	"github.com/personium/personium-core-sub028/token"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "ruleengine"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	shutdownTimeout := cfg.Engine.ShutdownTimeout.D()
	if cliCfg.ShutdownTimeout > 0 {
		shutdownTimeout = cliCfg.ShutdownTimeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer app.close(shutdownTimeout)

	if err := app.start(ctx); err != nil {
		return err
	}
	slog.Info("Rule engine ready", "unit_url", cfg.UnitURL)

	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case <-app.service.Done():
		if err := app.service.Err(); err != nil {
			slog.Error("Consumers stopped", "error", err)
		}
	}
	return nil
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		return nil, true, err
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(flag.CommandLine)
		return nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting rule engine",
		"version", Version,
		"build_time", BuildTime,
		"config", strings.Join(cliCfg.ConfigPaths, ","))
	return cliCfg, false, nil
}

// loadConfig merges the configuration layers and validates the result
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.Debug("Configuration loaded", "config", cfg.String())
	return cfg, nil
}

// application holds every long-lived component in start order
type application struct {
	logger   *slog.Logger
	nats     *natsclient.Client
	registry *metric.MetricsRegistry
	server   *metric.Server
	watcher  *tenant.StatusWatcher
	sink     *logsink.File
	service  *engine.Service
}

// build connects to NATS and assembles the engine. Nothing consumes events until start.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{logger: logger, registry: metric.NewMetricsRegistry()}
	core := app.registry.CoreMetrics()

	nc, err := connectToNATS(ctx, cfg, logger, core)
	if err != nil {
		return nil, err
	}
	app.nats = nc

	store, err := entitystore.NewKV(ctx, nc, cfg.Store.Buckets)
	if err != nil {
		app.close(time.Second)
		return nil, fmt.Errorf("open entity store: %w", err)
	}

	lifecycle := tenant.NewRegistry()
	statusBucket, err := nc.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Store.StatusBucket,
		Description: "Cell lifecycle status",
	})
	if err != nil {
		app.close(time.Second)
		return nil, fmt.Errorf("open status bucket: %w", err)
	}
	app.watcher = tenant.NewStatusWatcher(nc.NewKVStore(statusBucket), lifecycle, logger)

	sink, err := logsink.NewFile(cfg.LogSinkConfig(), logger)
	if err != nil {
		app.close(time.Second)
		return nil, fmt.Errorf("create log sink: %w", err)
	}
	app.sink = sink

	secret, err := cfg.TokenSecret()
	if err != nil {
		app.close(time.Second)
		return nil, err
	}
	tokens, err := token.NewBuilder(secret, token.WithTTL(cfg.Token.TTL.D()), token.WithLogger(logger))
	if err != nil {
		app.close(time.Second)
		return nil, fmt.Errorf("create token builder: %w", err)
	}

	caller, err := action.NewCaller(cfg.HTTPConfig(), logger)
	if err != nil {
		app.close(time.Second)
		return nil, fmt.Errorf("create http caller: %w", err)
	}

	actions, err := action.NewRegistry(action.Deps{
		Sink:       sink,
		Caller:     caller,
		Tokens:     tokens,
		UnitURL:    cfg.UnitURL,
		ScriptHost: cfg.ScriptHost,
		Logger:     logger,
	})
	if err != nil {
		app.close(time.Second)
		return nil, fmt.Errorf("create action registry: %w", err)
	}
	logger.Info("Actions registered", "actions", actions.Names())

	dispatcher := action.NewDispatcher(actions, lifecycle, cfg.DispatcherConfig(),
		action.WithDispatcherLogger(logger),
		action.WithDispatcherMetrics(app.registry))

	b := bus.NewNATS(nc,
		bus.WithQueueGroup(cfg.NATS.QueueGroup),
		bus.WithLogger(logger),
		bus.WithMetrics(core))
	// every instance applies every rule mutation to its own index
	adminBus := bus.NewNATS(nc,
		bus.WithQueueGroup(bus.InstanceQueueGroup(cfg.NATS.QueueGroup)),
		bus.WithLogger(logger),
		bus.WithMetrics(core))

	index := ruleindex.New(store, lifecycle, dispatcher, b, cfg.IndexConfig(),
		ruleindex.WithLogger(logger),
		ruleindex.WithMetrics(core))

	scheduler := timer.NewScheduler(b, cfg.Topics.Inbound, index, cfg.Timer,
		timer.WithLogger(logger),
		timer.WithMetrics(core))
	index.SetTimers(scheduler)

	svc, err := engine.New(b, index, dispatcher, scheduler, cfg.EngineConfig(),
		engine.WithLogger(logger),
		engine.WithAdminBus(adminBus),
		engine.WithMetricsRegistry(app.registry))
	if err != nil {
		app.close(time.Second)
		return nil, err
	}
	app.service = svc

	if cfg.Metrics.Enabled {
		monitor := health.NewMonitor(appName)
		monitor.Register("nats", nc.Health, true)
		monitor.Register("engine", svc.Health, true)
		monitor.Register("cell_status", app.watcher.Health, false)
		app.server = metric.NewServer(cfg.Metrics.Address, cfg.Metrics.Path, app.registry, monitor)
	}
	return app, nil
}

// connectToNATS establishes the NATS connection and waits for it to be ready
func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	core *metric.Metrics) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithClientName(appName),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(core),
	}
	if wait := cfg.NATS.ReconnectWait.D(); wait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(wait))
	}
	if ping := cfg.NATS.PingInterval.D(); ping > 0 {
		opts = append(opts, natsclient.WithPingInterval(ping))
	}
	if timeout := cfg.NATS.Timeout.D(); timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(timeout))
	}
	if drain := cfg.NATS.DrainTimeout.D(); drain > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(drain))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if !cfg.NATS.TLS.IsZero() {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.NATS.TLS)
		if err != nil {
			return nil, fmt.Errorf("load NATS TLS config: %w", err)
		}
		opts = append(opts, natsclient.WithTLS(tlsConfig))
	}

	nc, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	if err := nc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := nc.WaitForConnection(connCtx); err != nil {
		_ = nc.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nc, nil
}

// start brings the components up in dependency order
func (a *application) start(ctx context.Context) error {
	if err := a.sink.Start(); err != nil {
		return fmt.Errorf("start log sink: %w", err)
	}
	if err := a.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start status watcher: %w", err)
	}
	if a.server != nil {
		go func() {
			if err := a.server.Start(); err != nil {
				a.logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}
	if err := a.service.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	return nil
}

// close stops whatever was started, in reverse order
func (a *application) close(timeout time.Duration) {
	if a.service != nil {
		if err := a.service.Stop(timeout); err != nil && !errors.Is(err, errors.ErrNotStarted) {
			a.logger.Error("Error stopping engine", "error", err)
		}
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.server.Stop(ctx); err != nil {
			a.logger.Error("Error stopping metrics server", "error", err)
		}
		cancel()
	}
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	if a.sink != nil {
		if err := a.sink.Stop(timeout); err != nil {
			a.logger.Error("Error flushing log sink", "error", err)
		}
	}
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Error("Error closing NATS", "error", err)
		}
		cancel()
	}
	a.logger.Info("Rule engine shutdown complete")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/promethean-dev/promethean/internal/api"
	"github.com/promethean-dev/promethean/internal/axioms"
	"github.com/promethean-dev/promethean/internal/config"
	"github.com/promethean-dev/promethean/internal/core"
	"github.com/promethean-dev/promethean/internal/events"
	"github.com/promethean-dev/promethean/internal/fitness"
	"github.com/promethean-dev/promethean/internal/gate"
	"github.com/promethean-dev/promethean/internal/mutator"
	"github.com/promethean-dev/promethean/internal/reasoning"
	"github.com/promethean-dev/promethean/internal/sandbox"
	"github.com/promethean-dev/promethean/internal/store"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds all the runtime components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.Store
	Client    *reasoning.Client
	Loop      *core.Loop
	Hub       *api.Hub
	APIServer *api.Server
	Announcer *events.Announcer
	Watcher   *config.Watcher

	cancel context.CancelFunc
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("promethean", flag.ExitOnError)
	configPath := fs.String("config", "promethean.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	once := fs.Bool("once", false, "Run a single iteration and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("Promethean v%s (built %s)\n", version, buildTime)
		fmt.Println("Self-modification orchestrator")
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}
	defer app.Store.Close()

	if *once {
		run, err := app.Loop.RunOnce(context.Background())
		if err != nil {
			app.Logger.Error("iteration failed", "error", err)
			return 1
		}
		if run == nil {
			app.Logger.Info("no targets registered, nothing to do")
			return 0
		}
		fmt.Printf("run %s: %s", run.ID, run.Outcome)
		if run.Reason != "" {
			fmt.Printf(" (%s)", run.Reason)
		}
		fmt.Println()
		return 0
	}

	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		return 1
	}

	printBanner(app)

	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// setup initializes all application components.
func setup(configPath string) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app.Logger.Info("starting Promethean",
		"version", version,
		"config", configPath,
	)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	// Recreate logger with the configured log level.
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.Server.DataDir, "promethean.db"), app.Logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.Store = st

	// Compile safety axioms. A missing directory yields an empty document;
	// a malformed fragment is a startup failure.
	axiomsDir := cfg.Gate.AxiomsDir
	if axiomsDir == "" {
		axiomsDir = filepath.Join(cfg.Server.DataDir, "axioms")
	}
	doc, err := axioms.NewCompiler(app.Logger).Compile(context.Background(), axiomsDir)
	if err != nil {
		return nil, fmt.Errorf("compile axioms: %w", err)
	}

	app.Client = reasoning.NewClient(cfg, app.Logger)

	workDir := cfg.Sandbox.WorkDir
	if workDir == "" {
		workDir = filepath.Join(cfg.Server.DataDir, "sandbox")
	}
	benchmarksDir := cfg.Sandbox.BenchmarksDir
	if benchmarksDir == "" {
		benchmarksDir = filepath.Join(cfg.Server.DataDir, "benchmarks")
	}
	runner, err := sandbox.NewRunner(workDir, benchmarksDir, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create sandbox runner: %w", err)
	}

	scorer := fitness.NewEvaluator(app.Client, app.Logger)
	gen := mutator.New(app.Client, app.Logger)
	g := gate.New(cfg, doc, app.Client, app.Logger)

	app.Loop = core.NewLoop(cfg, core.Deps{
		Store:      st,
		Generator:  gen,
		Gate:       g,
		Evaluators: core.NewSandboxEvaluators(runner, scorer, cfg),
		ConfigPath: configPath,
	}, app.Logger)

	if err := app.Loop.Bootstrap(context.Background()); err != nil {
		return nil, fmt.Errorf("bootstrap targets: %w", err)
	}

	app.Hub = api.NewHub(app.Logger)
	app.Loop.AddNotifier(app.Hub)

	if cfg.Events.MQTT.Enabled {
		app.Announcer = events.NewAnnouncer(cfg.Events.MQTT, app.Logger)
		app.Loop.AddNotifier(app.Announcer)
	}

	app.APIServer = api.NewServer(
		cfg.Server.Port,
		st,
		app.Loop,
		app.Client,
		app.Hub,
		cfg.Server.JWTSecret,
		app.Logger,
	)

	app.Watcher = config.NewWatcher(configPath, 0, app.Logger, app.Loop.MarkConfigDirty)

	return app, nil
}

// loadConfig loads configuration from file or creates a default.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startServices starts the loop, the API server, and the watchers.
func startServices(app *App) error {
	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	if app.Announcer != nil {
		if err := app.Announcer.Start(ctx); err != nil {
			// The loop runs fine without announcements.
			app.Logger.Warn("mqtt announcer unavailable", "error", err)
			app.Announcer = nil
		}
	}

	app.Watcher.Start()

	go func() {
		if err := app.APIServer.Start(ctx); err != nil {
			app.Logger.Error("API server error", "error", err)
		}
	}()

	go func() {
		if err := app.Loop.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			app.Logger.Error("core loop error", "error", err)
		}
	}()

	return nil
}

// printBanner displays the startup banner.
func printBanner(app *App) {
	fmt.Println()
	fmt.Printf("  Promethean v%s\n", version)
	fmt.Println("  Self-modification orchestrator")
	fmt.Println()
	fmt.Printf("  API:     http://localhost:%d\n", app.Config.Server.Port)
	fmt.Printf("  Targets: %d registered\n", len(app.Config.Targets))
	fmt.Printf("  Data:    %s\n", app.Config.Server.DataDir)
	fmt.Println()
}

// waitForShutdown waits for a termination signal and shuts down.
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)

	for {
		sig := <-sigCh

		if handlePlatformSignal(sig, app) {
			continue
		}

		app.Logger.Info("shutdown signal received", "signal", sig)
		break
	}

	app.Watcher.Stop()
	if app.cancel != nil {
		app.cancel()
	}
	if app.Announcer != nil {
		app.Announcer.Stop()
	}

	app.Logger.Info("Promethean stopped")
	return nil
}

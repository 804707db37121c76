// SPDX-License-Identifier: MIT

// rocd is the remote orchestration daemon: it polls the scoreboard,
// detects game state, evaluates scene rules and drives the production
// tool while supervising the camera pipelines feeding it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roclive/roc/internal/actions"
	"github.com/roclive/roc/internal/api"
	"github.com/roclive/roc/internal/app"
	"github.com/roclive/roc/internal/audit"
	"github.com/roclive/roc/internal/camera"
	"github.com/roclive/roc/internal/config"
	"github.com/roclive/roc/internal/connmgr"
	"github.com/roclive/roc/internal/detect"
	"github.com/roclive/roc/internal/health"
	"github.com/roclive/roc/internal/log"
	"github.com/roclive/roc/internal/obs"
	"github.com/roclive/roc/internal/rules"
	"github.com/roclive/roc/internal/telemetry"
	"github.com/roclive/roc/internal/version"
)

const auditRetention = 7 * 24 * time.Hour

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "config.yaml", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		logger := log.Base()
		logger.Error().Err(err).Str("event", "daemon.exit").Msg("daemon terminated with error")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "rocd",
	})
	logger := log.WithComponent("daemon")
	logger.Info().
		Str("event", "daemon.starting").
		Str("version", version.Version).
		Str("config", configPath).
		Msg("starting orchestration daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Audit trail. Optional: an empty path disables recording.
	var store *audit.Store
	if cfg.AuditPath != "" {
		store, err = audit.Open(cfg.AuditPath)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer func() { _ = store.Close() }()
	}

	// Production tool channel and the executor driving it.
	client := obs.NewClient(obs.Config{
		Host:                   cfg.OBS.Host,
		Port:                   cfg.OBS.Port,
		Password:               cfg.OBS.Password,
		RequestTimeout:         cfg.OBS.RequestTimeout,
		AssumeSuccessOnTimeout: cfg.OBS.AssumeSuccessOnTimeout,
		RequestsPerSecond:      cfg.OBS.RequestsPerSecond,
	})

	var executorOpts []actions.Option
	if store != nil {
		executorOpts = append(executorOpts, actions.WithSceneChangeHook(func(change actions.SceneChange) {
			recordCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := store.RecordSceneChange(recordCtx, change.Scene, change.Previous, "", change.EnteredAt); err != nil {
				logger.Warn().Err(err).Str("event", "daemon.audit_failed").Msg("scene change not recorded")
			}
		}))
	}
	executor := actions.NewExecutor(client, cfg.OBS.Scenes, executorOpts...)

	// Rule engine with its initial document; a broken document at
	// startup is a configuration error, not a warning.
	var engineOpts []rules.EngineOption
	if store != nil {
		engineOpts = append(engineOpts, rules.WithExecutionHook(func(rule string, execErr error, elapsed time.Duration) {
			recordCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := store.RecordRuleExecution(recordCtx, rule, execErr, elapsed, time.Now()); err != nil {
				logger.Warn().Err(err).Str("event", "daemon.audit_failed").Msg("rule execution not recorded")
			}
		}))
	}
	engine := rules.NewEngine(executor, executor, engineOpts...)

	loader := &rules.Loader{Path: cfg.Rules.File}
	watcher := rules.NewWatcher(loader, engine)
	if err := watcher.Reload(ctx); err != nil {
		return fmt.Errorf("load initial rules: %w", err)
	}

	// Connection supervision for the production tool channel.
	manager := connmgr.NewManager()
	manager.Register("obs", client, connmgr.LinkConfig{
		RequiresAuth:  client.RequiresAuth(),
		MaxAttempts:   cfg.OBS.MaxReconnectAttempts,
		BaseDelay:     cfg.OBS.ReconnectBaseDelay,
		MaxDelay:      cfg.OBS.ReconnectMaxDelay,
		ProbeInterval: cfg.OBS.KeepAliveInterval,
	})

	// Camera pipelines.
	supervisor := camera.NewSupervisor(cfg.Cameras, cfg.Camera)

	// Control loop.
	source := telemetry.NewHTTPSource(cfg.Telemetry.URL, cfg.Telemetry.RequestTimeout)
	detector := detect.New(detect.DefaultConfig())
	controller := app.NewController(cfg, source, detector, engine, executor)

	// Health checks and the control API.
	healthMgr := health.NewManager(version.Version)
	healthMgr.RegisterChecker(health.NewFreshnessChecker("telemetry", controller.LastSample, 30*time.Second))
	healthMgr.RegisterChecker(health.CheckFunc{
		CheckName: "obs_link",
		Fn: func(context.Context) health.CheckResult {
			status, ok := manager.Status("obs")
			switch {
			case !ok:
				return health.CheckResult{Status: health.StatusUnhealthy, Error: "link not registered"}
			case status.State == connmgr.StateConnected:
				return health.CheckResult{Status: health.StatusHealthy}
			case status.State.Terminal():
				return health.CheckResult{Status: health.StatusUnhealthy, Message: string(status.State), Error: status.LastError}
			default:
				return health.CheckResult{Status: health.StatusDegraded, Message: string(status.State)}
			}
		},
	})
	healthMgr.RegisterChecker(health.CheckFunc{
		CheckName: "cameras",
		Fn: func(context.Context) health.CheckResult {
			if supervisor.Healthy() {
				return health.CheckResult{Status: health.StatusHealthy}
			}
			return health.CheckResult{Status: health.StatusDegraded, Message: "one or more cameras not running"}
		},
	})

	apiDeps := api.Deps{
		Health:            healthMgr,
		Connections:       manager,
		Cameras:           supervisor,
		Engine:            engine,
		Status:            controller,
		Scenes:            executor,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
	}
	if store != nil {
		apiDeps.Audit = store
	}
	server := api.NewServer(cfg.API.Listen, apiDeps)

	statusWriter := app.NewStatusWriter(cfg.StatusFile, controller.StatusSnapshot)

	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start rules watcher: %w", err)
	}
	supervisor.StartAll(ctx)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(runCtx) })
	g.Go(func() error { return verifySceneMap(runCtx, client, cfg.OBS.Scenes) })
	g.Go(func() error { return supervisor.Run(runCtx) })
	g.Go(func() error { return controller.Run(runCtx) })
	g.Go(func() error { return server.Run(runCtx) })
	g.Go(func() error { return statusWriter.Run(runCtx) })
	if store != nil {
		g.Go(func() error { return pruneLoop(runCtx, store) })
	}

	logger.Info().Str("event", "daemon.started").Msg("all components running")

	err = g.Wait()

	// Ordered teardown: stop sequences before closing the channel they
	// write to; the supervisors close their own resources on ctx exit.
	executor.Shutdown()
	watcher.Stop()
	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// verifySceneMap waits for the first identified session and checks every
// scene-map target against the tool's scene list, one shot. A misnamed
// scene otherwise only surfaces when a rule fires mid-match.
func verifySceneMap(ctx context.Context, client *obs.Client, scenes map[string]string) error {
	logger := log.WithComponent("daemon")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !client.Connected() {
				continue
			}
			names, err := client.SceneNames(ctx)
			if err != nil {
				continue
			}
			known := make(map[string]bool, len(names))
			for _, name := range names {
				known[name] = true
			}
			for logical, target := range scenes {
				if !known[target] {
					logger.Warn().
						Str("event", "daemon.unknown_scene").
						Str("logical", logical).
						Str("scene", target).
						Msg("scene map target not present in production tool")
				}
			}
			return nil
		}
	}
}

// pruneLoop applies audit retention once an hour.
func pruneLoop(ctx context.Context, store *audit.Store) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := store.Prune(ctx, auditRetention); err != nil {
				logger := log.WithComponent("audit")
				logger.Warn().Err(err).Str("event", "audit.prune_failed").Msg("retention pass failed")
			}
		}
	}
}

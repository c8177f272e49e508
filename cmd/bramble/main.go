// Package main is the entry point for the bramble runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ksev-successor/bramble/internal/actor"
	"github.com/ksev-successor/bramble/internal/buildinfo"
	"github.com/ksev-successor/bramble/internal/catalog"
	"github.com/ksev-successor/bramble/internal/config"
	"github.com/ksev-successor/bramble/internal/engine"
	"github.com/ksev-successor/bramble/internal/events"
	"github.com/ksev-successor/bramble/internal/hacompat"
	"github.com/ksev-successor/bramble/internal/metrics"
	"github.com/ksev-successor/bramble/internal/mqttintegration"
	"github.com/ksev-successor/bramble/internal/schedule"
	"github.com/ksev-successor/bramble/internal/store"
	"github.com/ksev-successor/bramble/internal/supervisor"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println("bramble - home automation runtime")
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("bramble - home automation runtime")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the runtime")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// deps bundles the dependencies shared by every supervised worker
// (internal/supervisor.Task.Deps), mirroring the teacher's practice of
// passing one struct of shared state into every long-lived task
// instead of threading individual arguments through.
type deps struct {
	catalog *catalog.Store
	store   *store.Store
	events  *events.Bus
	logger  *slog.Logger
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting bramble", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	if configPath == "" {
		configPath = os.Getenv("BRAMBLE_CONFIG")
	}
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "data_dir", cfg.DataDir, "database", cfg.Database.Path)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	cat, err := catalog.NewStore(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open feature catalog", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer cat.Close()
	logger.Info("feature catalog opened", "path", cfg.Database.Path)

	valueStore := store.New()
	eventBus := events.New()

	automationEngine, err := engine.New(cat, valueStore, eventBus, logger)
	if err != nil {
		logger.Error("failed to load automations", "error", err)
		os.Exit(1)
	}
	logger.Info("automations compiled", "count", automationEngine.Count())
	automationEngine.RunInitial()

	schedDBPath := cfg.DataDir + "/scheduler.sqlite3"
	schedStore, err := schedule.NewStore(schedDBPath)
	if err != nil {
		logger.Error("failed to open scheduler database", "path", schedDBPath, "error", err)
		os.Exit(1)
	}
	defer schedStore.Close()

	executeTask := func(ctx context.Context, target string) error {
		automationEngine.RunInitial()
		logger.Debug("scheduled task re-evaluated automations", "target", target)
		return nil
	}
	sched := schedule.New(schedStore, executeTask, eventBus, logger)
	if err := sched.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The actor system underlies the runtime's supervised workers in
	// spirit (spec.md §4.3); this process runs one system-linked
	// heartbeat actor on it, reporting live actor count to metrics.
	// SetRuntimeCancel binds actorSystem's fatal-exit cascade to this
	// same ctx, so if the heartbeat dies abnormally the actor system
	// force-exits every other actor AND cancels ctx — the supervisor
	// group and adapters below run on this ctx, so they tear down too.
	actorSystem := actor.NewSystem(logger)
	actorSystem.SetRuntimeCancel(cancel)
	actor.SpawnReceiveLinkedToSystem[struct{}](ctx, actorSystem, func(ctx context.Context, self *actor.Receive[struct{}]) error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				metrics.ActorsAlive.Set(float64(actorSystem.ActorCount()))
			}
		}
	})

	d := deps{catalog: cat, store: valueStore, events: eventBus, logger: logger}
	group := supervisor.CreateGroup(ctx, logger, d, func(ctx context.Context, t *supervisor.Task[deps]) error {
		t.Spawn(ctx, "automation-engine", func(ctx context.Context, t *supervisor.Task[deps]) error {
			return automationEngine.Run(ctx)
		})

		t.Spawn(ctx, "virtual-loopback", func(ctx context.Context, t *supervisor.Task[deps]) error {
			return store.RunVirtualLoopback(ctx, t.Deps.store)
		})

		t.Spawn(ctx, "config-watch", func(ctx context.Context, t *supervisor.Task[deps]) error {
			return config.Watch(ctx, cfgPath, t.Deps.events, t.Deps.logger, nil)
		})

		if cfg.MQTT.Configured() {
			bridge := mqttintegration.New(cfg.MQTT, valueStore, cat, nil, logger)
			t.Spawn(ctx, "mqtt", func(ctx context.Context, t *supervisor.Task[deps]) error {
				return bridge.Run(ctx)
			})
		} else {
			logger.Warn("MQTT not configured — no broker ingress/egress active")
		}

		if cfg.HomeAssistant.Configured() {
			wsClient := hacompat.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
			filter := hacompat.NewEntityFilter(nil, logger)
			limiter := hacompat.NewEntityRateLimiter(0)
			watcher := hacompat.NewWatcher(wsClient, filter, limiter, valueStore, logger)
			t.Spawn(ctx, "hacompat", func(ctx context.Context, t *supervisor.Task[deps]) error {
				return watcher.Run(ctx)
			})
		} else {
			logger.Info("Home Assistant not configured — hacompat ingress disabled")
		}

		return nil
	})

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Handler:      metrics.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "address", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		failures := group.Outcomes()
		for {
			outcome, ok := failures.Recv(ctx)
			if !ok {
				return
			}
			if outcome.Err != nil {
				logger.Error("supervised task exited with error", "task", outcome.Label, "error", outcome.Err)
			}
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	group.Wait()
	logger.Info("bramble stopped")
}

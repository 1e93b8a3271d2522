package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"crisis-drill/server/internal/api"
	"crisis-drill/server/internal/classifier"
	"crisis-drill/server/internal/config"
	"crisis-drill/server/internal/decision"
	"crisis-drill/server/internal/escalation"
	"crisis-drill/server/internal/fanout"
	"crisis-drill/server/internal/generator"
	"crisis-drill/server/internal/ledger"
	"crisis-drill/server/internal/llm"
	"crisis-drill/server/internal/logger"
	"crisis-drill/server/internal/objective"
	"crisis-drill/server/internal/observability"
	"crisis-drill/server/internal/orchestrator"
	"crisis-drill/server/internal/scenario"
	"crisis-drill/server/internal/session"
	"crisis-drill/server/internal/storage"
	"crisis-drill/server/internal/timeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the inject scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// backend 是一组存储实现：memory 驱动用内存实现，其余走 gorm。
type backend struct {
	stores     orchestrator.Stores
	scenarios  scenario.Repo
	objectives objective.Store
	close      func() error
}

func openBackend(cfg config.DatabaseConfig, log *logger.Logger) (*backend, error) {
	if cfg.Driver == "memory" {
		led := ledger.NewInMemoryStore()
		return &backend{
			stores: orchestrator.Stores{
				Sessions:        session.NewInMemoryStore(),
				Ledger:          led,
				Statuses:        led,
				Timeline:        timeline.NewInMemoryStore(),
				Snapshots:       escalation.NewInMemoryStore(),
				Decisions:       decision.NewInMemoryStore(),
				Classifications: classifier.NewInMemoryStore(),
			},
			scenarios:  scenario.NewInMemoryRepo(),
			objectives: objective.NewInMemoryStore(),
			close:      func() error { return nil },
		}, nil
	}

	db, err := storage.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	repos := storage.NewRepos(db)
	return &backend{
		stores: orchestrator.Stores{
			Sessions:        repos.Sessions,
			Ledger:          repos.Ledger,
			Statuses:        repos.Ledger,
			Timeline:        repos.Timeline,
			Snapshots:       repos.Snapshots,
			Decisions:       repos.Decisions,
			Classifications: repos.Classes,
		},
		scenarios:  repos.Scenarios,
		objectives: repos.Objectives,
		close:      sqlDB.Close,
	}, nil
}

// seedScenarios 启动时把剧本目录导入仓库；目录为空时跳过。
func seedScenarios(ctx context.Context, repo scenario.Repo, dir string, log *logger.Logger) error {
	if dir == "" {
		log.Warn("no scenarios directory configured")
		return nil
	}
	defs, err := scenario.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := repo.Upsert(ctx, def); err != nil {
			return fmt.Errorf("seed scenario %s: %w", def.Scenario.ID, err)
		}
		log.Info("scenario loaded", "scenario_id", def.Scenario.ID, "injects", len(def.Injects), "objectives", len(def.Objectives))
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	metrics, err := observability.NewOrchestratorCollector(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	be, err := openBackend(cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			log.Warn("close database failed", "error", err)
		}
	}()
	if err := seedScenarios(ctx, be.scenarios, cfg.Paths.Scenarios, log); err != nil {
		return err
	}

	client, err := llm.NewClient(cfg)
	if err != nil {
		return err
	}

	hub := fanout.NewHub(cfg.Redis.ChannelPrefix, log)
	defer hub.Close()
	var publisher fanout.Publisher = hub
	if cfg.Redis.Enabled {
		rp, err := fanout.NewRedisPublisher(cfg.Redis, log)
		if err != nil {
			return err
		}
		defer rp.Close()
		if err := rp.StartForwarder(ctx, hub); err != nil {
			return err
		}
		// 跨实例时只发 Redis，由各实例的转发器投递给本地订阅者
		publisher = rp
	}

	o := cfg.Orchestrator
	objectives := objective.NewService(be.objectives, log)
	gen := generator.New(client, log, metrics, o.ProviderTimeout)
	pipeline := orchestrator.NewPipeline(be.stores, gen, objectives, publisher, log, metrics, o.MaxGenerationAttempts)
	comp := escalation.NewComputer(client, be.stores.Snapshots, log, metrics, o.ProviderTimeout)
	scheduler := orchestrator.NewScheduler(be.stores, be.scenarios, comp, objectives, pipeline, o, log, metrics)
	cls := classifier.New(client, be.stores.Classifications, log, metrics, o.ProviderTimeout)
	evaluator := orchestrator.NewDecisionEvaluator(be.stores, be.scenarios, cls, objectives, pipeline, log)
	scheduler.WithDecisionRetrier(evaluator)

	server := api.NewServer(cfg, api.Deps{
		Sessions:     orchestrator.NewSessions(be.stores.Sessions, be.scenarios, objectives, log),
		Evaluator:    evaluator,
		Objectives:   objectives,
		Hub:          hub,
		SessionStore: be.stores.Sessions,
		Scenarios:    be.scenarios,
		Decisions:    be.stores.Decisions,
		Timeline:     be.stores.Timeline,
		Ledger:       be.stores.Ledger,
		Statuses:     be.stores.Statuses,
		Snapshots:    be.stores.Snapshots,
		Metrics:      metrics,
		Log:          log,
	})

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("crisisdrill server listening", "addr", cfg.Server.Addr, "db_driver", cfg.Database.Driver, "llm_provider", cfg.LLM.Provider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", "error", err)
	}
	return nil
}

// Package main is the classroom capture agent. It owns the device-local
// event store, hashes subject identifiers at the capture boundary, forms
// batches and syncs them to the ingestion endpoint whenever connectivity
// allows.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sproutly/sproutly-analytics/config"
	"github.com/sproutly/sproutly-analytics/internal/application/capture"
	"github.com/sproutly/sproutly-analytics/internal/application/syncer"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/internal/infrastructure/persistence/sqlite"
	"github.com/sproutly/sproutly-analytics/internal/infrastructure/scheduler"
	"github.com/sproutly/sproutly-analytics/internal/infrastructure/scheduler/jobs"
	"github.com/sproutly/sproutly-analytics/internal/infrastructure/transport"
	"github.com/sproutly/sproutly-analytics/internal/interface/deviceapi"
	"github.com/sproutly/sproutly-analytics/internal/privacy"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
)

const pruneInterval = time.Hour

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := flag.String("config", "agent.yaml", "path to the agent configuration file")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.New(logger.Options{
		Output: os.Stdout,
		Level:  logger.ParseLevel(cfg.LogLevel),
	}).With(logger.Component("agent"), logger.ClassroomID(cfg.ClassroomID))

	log.Info("starting classroom agent",
		logger.String("store_path", cfg.StorePath),
		logger.String("endpoint", cfg.Endpoint.BaseURL),
	)

	db, err := sqlite.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer func() {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
	}()

	events := sqlite.NewEventStore(db)
	batches := sqlite.NewBatchStore(db)
	salts := sqlite.NewSaltStore(db)

	captureSvc := capture.NewService(
		events,
		privacy.NewAnonymizer(salts),
		privacy.NewScanner(),
		privacy.DefaultAllowList(),
		log,
		int64(cfg.Capture.MaxUnsyncedEvents),
	)

	classroomID := shared.ClassroomID(cfg.ClassroomID)
	batcher := syncer.NewBatcher(events, batches, classroomID, log, cfg.Sync.MaxBatchEvents)

	client := transport.NewClient(transport.Config{
		BaseURL: cfg.Endpoint.BaseURL,
		APIKey:  cfg.Endpoint.APIKey,
		Timeout: cfg.Endpoint.Timeout.Std(),
	}, log)

	agentCfg := syncer.DefaultAgentConfig()
	agentCfg.MaxAttempts = cfg.Sync.MaxAttempts
	agent := syncer.NewAgent(events, batches, client, log, agentCfg)

	sched := scheduler.NewScheduler(log)
	syncJob := jobs.NewSyncEventsJob(batcher, agent, log)
	if err := sched.Register(syncJob, scheduler.NewIntervalSchedule(cfg.Sync.Interval.Std())); err != nil {
		return fmt.Errorf("registering sync job: %w", err)
	}
	pruneJob := jobs.NewPruneLocalJob(events, batches, log, cfg.Prune.SyncedEventDays, cfg.Prune.CompletedBatchDays)
	if err := sched.Register(pruneJob, scheduler.NewIntervalSchedule(pruneInterval)); err != nil {
		return fmt.Errorf("registering prune job: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer func() { _ = sched.Stop() }()

	// Drain whatever the last run left behind before the periodic loop
	// takes over.
	if _, err := sched.RunNow(ctx, syncJob.Name()); err != nil {
		log.Warn("initial sync pass failed", logger.Err(err))
	}

	api := deviceapi.New(captureSvc, agent, classroomID, cfg.ListenAddress, log)
	apiErr := api.StartAsync()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", logger.String("signal", sig.String()))
	case err := <-apiErr:
		if err != nil {
			return fmt.Errorf("device API: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Warn("device API shutdown", logger.Err(err))
	}

	log.Info("agent stopped")
	return nil
}

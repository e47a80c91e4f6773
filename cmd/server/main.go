// Package main is the ingestion server. It accepts batches from classroom
// agents, serves aggregate windows to dashboards and runs the nightly
// retention sweep.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sproutly/sproutly-analytics/config"
	"github.com/sproutly/sproutly-analytics/internal/application/ingest"
	"github.com/sproutly/sproutly-analytics/internal/application/query"
	appretention "github.com/sproutly/sproutly-analytics/internal/application/retention"
	"github.com/sproutly/sproutly-analytics/internal/domain/aggregate"
	"github.com/sproutly/sproutly-analytics/internal/domain/retention"
	"github.com/sproutly/sproutly-analytics/internal/infrastructure/persistence/postgres"
	"github.com/sproutly/sproutly-analytics/internal/infrastructure/persistence/redis"
	"github.com/sproutly/sproutly-analytics/internal/infrastructure/scheduler"
	"github.com/sproutly/sproutly-analytics/internal/infrastructure/scheduler/jobs"
	httpiface "github.com/sproutly/sproutly-analytics/internal/interface/http"
	"github.com/sproutly/sproutly-analytics/internal/privacy"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.New(logger.Options{
		Output: os.Stdout,
		Level:  logger.ParseLevel(cfg.App.LogLevel),
	}).With(logger.Component("server"))

	log.Info("starting ingestion server",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
	)

	conn, err := postgres.NewConnectionFromURL(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer conn.Close()

	migrator := postgres.NewMigrator(conn)
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database schema is current")

	var (
		cache       aggregate.Cache = aggregate.NoCache{}
		redisPinger httpiface.Pinger
	)
	if !cfg.Redis.Disabled {
		client, err := redis.NewClient(redis.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			// The cache is derived data. Serving without it is slower,
			// not wrong.
			log.Warn("redis unavailable, aggregation cache disabled", logger.Err(err))
		} else {
			defer func() { _ = client.Close() }()
			cache = redis.NewWindowCache(client)
			redisPinger = client
			log.Info("redis connection established")
		}
	}

	events := postgres.NewEventRepo(conn)
	registry := postgres.NewBatchRegistry(conn)
	salts := postgres.NewSaltRepo(conn)
	retentionRepo := postgres.NewRetentionRepo(conn)

	ingestSvc := ingest.NewService(
		events,
		registry,
		cache,
		privacy.NewScanner(),
		privacy.DefaultAllowList(),
		log,
	)
	querySvc := query.NewService(cache, events, log, cfg.Query.CacheTTL)

	engine := appretention.NewEngine(
		retentionRepo,
		retentionRepo,
		salts,
		privacy.NewAnonymizer(salts),
		cache,
		log,
		retention.Policy{
			PolicyDays:        cfg.Retention.PolicyDays,
			SaltRetentionDays: cfg.Retention.SaltRetentionDays,
			ChunkSize:         cfg.Retention.ChunkSize,
		},
	)

	sched := scheduler.NewScheduler(log)
	if cfg.Retention.Enabled {
		sweepJob := jobs.NewRetentionSweepJob(engine, log)
		sweepAt := scheduler.NewDailySchedule(cfg.Retention.SweepHour, cfg.Retention.SweepMinute)
		if err := sched.Register(sweepJob, sweepAt); err != nil {
			return fmt.Errorf("registering retention sweep: %w", err)
		}
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer func() { _ = sched.Stop() }()

	server := httpiface.NewServer(httpiface.Config{
		Host:         cfg.HTTP.Host,
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		APIKeys:      cfg.HTTP.APIKeys,
		AdminKeys:    cfg.HTTP.AdminKeys,
	}, httpiface.Dependencies{
		Ingest:    ingestSvc,
		Query:     querySvc,
		Retention: engine,
		Postgres:  conn,
		Redis:     redisPinger,
		Logger:    log,
	})

	serverErr := server.StartAsync()
	log.Info("http server listening", logger.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", logger.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", logger.Err(err))
	}

	log.Info("server stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/engine/notifications"
	"github.com/arcadia-bio/arcadia-go/internal/engine/results"
	"github.com/arcadia-bio/arcadia-go/internal/engine/sweeper"
	"github.com/arcadia-bio/arcadia-go/internal/jobs"
	"github.com/arcadia-bio/arcadia-go/internal/platform/alert"
	"github.com/arcadia-bio/arcadia-go/internal/platform/env"
	"github.com/arcadia-bio/arcadia-go/internal/platform/lease"
	"github.com/arcadia-bio/arcadia-go/internal/platform/metrics"
	"github.com/arcadia-bio/arcadia-go/internal/platform/objectstore"
	"github.com/arcadia-bio/arcadia-go/internal/platform/postgres"
	"github.com/arcadia-bio/arcadia-go/internal/queue"
	pgrepo "github.com/arcadia-bio/arcadia-go/internal/repo/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pollInterval, err := env.Duration("ARCADIA_MONITOR_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	visibility, err := env.Duration("ARCADIA_MONITOR_QUEUE_VISIBILITY", 5*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	batchSize, err := env.Int("ARCADIA_MONITOR_BATCH_SIZE", 10)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	maxRuntime, err := env.Duration("ARCADIA_SWEEPER_MAX_RUNTIME", 24*time.Hour)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	extraUserErrors := env.StringList("ARCADIA_SWEEPER_USER_ERROR_PATTERNS", nil)
	jobsPath := env.String("ARCADIA_JOBS_CONFIG", "")

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	objCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	minioClient, err := objectstore.NewMinIOClient(objCfg)
	if err != nil {
		logger.Error("invalid object store client", "error", err)
		os.Exit(2)
	}
	if err := objectstore.CheckBucket(ctx, minioClient, objCfg); err != nil {
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	store, err := objectstore.NewMinioStoreWithClient(minioClient)
	if err != nil {
		logger.Error("object store setup failed", "error", err)
		os.Exit(2)
	}

	sink := metrics.NewLogSink(logger)
	alerts := alert.NewDBReporter(db, logger)
	runs := pgrepo.NewRunStore(db)

	loader, err := results.NewLoader(logger, runs, store, objCfg.BucketOutputs, results.DefaultLoadFuncs(db))
	if err != nil {
		logger.Error("result loader setup failed", "error", err)
		os.Exit(2)
	}

	handler, err := notifications.NewHandler(logger, sink, runs, queue.NewPostgresQueue(db, visibility), loader, results.DefaultStageOutputs(),
		notifications.WithPollInterval(pollInterval),
		notifications.WithBatchSize(batchSize),
		notifications.WithFailureHook(func(ctx context.Context, err error) {
			_ = alerts.Report(ctx, alert.Alert{
				Severity: alert.SeverityWarning,
				Job:      "notification_handler",
				Summary:  "run notification handling failed",
				Err:      err,
			})
		}),
	)
	if err != nil {
		logger.Error("notification handler setup failed", "error", err)
		os.Exit(2)
	}

	sw, err := sweeper.NewSweeper(logger, sink, runs, loader,
		sweeper.WithMaxRuntime(maxRuntime),
		sweeper.WithUserErrorPatterns(extraUserErrors))
	if err != nil {
		logger.Error("sweeper setup failed", "error", err)
		os.Exit(2)
	}

	overrides, err := jobs.LoadFile(jobsPath)
	if err != nil {
		logger.Error("invalid jobs config", "path", jobsPath, "error", err)
		os.Exit(2)
	}
	sweepOverride, hasSweepOverride := overrides["timeout_sweeper"]
	sweepCfg := jobs.Merge(jobs.Config{
		Name:     "timeout_sweeper",
		Schedule: "*/30 * * * *",
		LeaseTTL: 25 * time.Minute,
	}, sweepOverride, hasSweepOverride)

	instrumentor := jobs.NewInstrumentor(logger, sink, func(ctx context.Context, cfg jobs.Config, err error) {
		_ = alerts.Report(ctx, alert.Alert{
			Severity: alert.SeverityWarning,
			Job:      cfg.Name,
			Summary:  "scheduled job failed",
			Err:      err,
		})
	})
	scheduler := jobs.NewScheduler(ctx, logger, lease.NewManager(db), instrumentor)
	if err := scheduler.Register(sweepCfg, sw.Sweep); err != nil {
		logger.Error("job registration failed", "job", sweepCfg.Name, "error", err)
		os.Exit(2)
	}

	consumerErr := make(chan error, 1)
	go func() { consumerErr <- handler.Run(ctx) }()

	scheduler.Start()

	if err := <-consumerErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("notification consumer failed", "error", err)
		os.Exit(1)
	}
}

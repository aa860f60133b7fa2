package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/engine/deletion"
	"github.com/arcadia-bio/arcadia-go/internal/federation"
	"github.com/arcadia-bio/arcadia-go/internal/jobs"
	"github.com/arcadia-bio/arcadia-go/internal/platform/alert"
	"github.com/arcadia-bio/arcadia-go/internal/platform/auth"
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

	visibility, err := env.Duration("ARCADIA_JANITOR_QUEUE_VISIBILITY", 30*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	auditDelay, err := env.Duration("ARCADIA_AUDIT_DELAY", 3*time.Hour)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	federationEndpoint := env.String("ARCADIA_FEDERATION_ENDPOINT", "http://localhost:4000/graphql")
	federationSecret := env.String("ARCADIA_INTERNAL_AUTH_SECRET", "")
	federationTimeout, err := env.Duration("ARCADIA_FEDERATION_TIMEOUT", 30*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	tokenTTL, err := env.Duration("ARCADIA_FEDERATION_TOKEN_TTL", 15*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
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
	samples := pgrepo.NewSampleStore(db)
	logs := pgrepo.NewDeletionLogStore(db)

	primary, err := deletion.NewHardDelete(logger, sink, alerts, runs, samples, logs, store, objCfg.BucketOutputs)
	if err != nil {
		logger.Error("hard delete setup failed", "error", err)
		os.Exit(2)
	}

	minter, err := auth.NewMinter(federationSecret, "janitor", "hard_deletion", "janitor", tokenTTL)
	if err != nil {
		logger.Error("invalid federation auth config", "error", err)
		os.Exit(2)
	}
	fedClient, err := federation.NewClient(ctx, federationEndpoint, minter, federationTimeout)
	if err != nil {
		logger.Error("invalid federation config", "error", err)
		os.Exit(2)
	}
	federated, err := deletion.NewFederatedHardDelete(logger, sink, alerts, fedClient, logs)
	if err != nil {
		logger.Error("federated hard delete setup failed", "error", err)
		os.Exit(2)
	}

	drainer, err := deletion.NewDrainer(logger, alerts, queue.NewPostgresDeletionJobQueue(db, visibility), primary, federated)
	if err != nil {
		logger.Error("drainer setup failed", "error", err)
		os.Exit(2)
	}
	auditor, err := deletion.NewAuditor(logger, sink, alerts, runs, samples, logs, deletion.WithAuditDelay(auditDelay))
	if err != nil {
		logger.Error("auditor setup failed", "error", err)
		os.Exit(2)
	}

	overrides, err := jobs.LoadFile(jobsPath)
	if err != nil {
		logger.Error("invalid jobs config", "path", jobsPath, "error", err)
		os.Exit(2)
	}
	drainOverride, hasDrainOverride := overrides["deletion_drainer"]
	drainCfg := jobs.Merge(jobs.Config{
		Name:     "deletion_drainer",
		Schedule: "*/5 * * * *",
		LeaseTTL: 30 * time.Minute,
	}, drainOverride, hasDrainOverride)
	auditOverride, hasAuditOverride := overrides["deletion_auditor"]
	auditCfg := jobs.Merge(jobs.Config{
		Name:     "deletion_auditor",
		Schedule: "0 * * * *",
		LeaseTTL: 30 * time.Minute,
	}, auditOverride, hasAuditOverride)

	instrumentor := jobs.NewInstrumentor(logger, sink, func(ctx context.Context, cfg jobs.Config, err error) {
		_ = alerts.Report(ctx, alert.Alert{
			Severity: alert.SeverityWarning,
			Job:      cfg.Name,
			Summary:  "scheduled job failed",
			Err:      err,
		})
	})
	scheduler := jobs.NewScheduler(ctx, logger, lease.NewManager(db), instrumentor)
	if err := scheduler.Register(drainCfg, drainer.Drain); err != nil {
		logger.Error("job registration failed", "job", drainCfg.Name, "error", err)
		os.Exit(2)
	}
	if err := scheduler.Register(auditCfg, auditor.Audit); err != nil {
		logger.Error("job registration failed", "job", auditCfg.Name, "error", err)
		os.Exit(2)
	}

	scheduler.Start()
}

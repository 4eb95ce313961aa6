// Package main runs one cognitive triangulation pipeline pass: analyze a
// run's files into points of interest and relationships, triangulate evidence,
// and project the validated result into the graph store.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/cognitive-triangulation/internal/breaker"
	"github.com/fairyhunter13/cognitive-triangulation/internal/concurrency"
	"github.com/fairyhunter13/cognitive-triangulation/internal/config"
	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
	"github.com/fairyhunter13/cognitive-triangulation/internal/graph"
	"github.com/fairyhunter13/cognitive-triangulation/internal/llm"
	"github.com/fairyhunter13/cognitive-triangulation/internal/observability"
	"github.com/fairyhunter13/cognitive-triangulation/internal/ops"
	"github.com/fairyhunter13/cognitive-triangulation/internal/outbox"
	"github.com/fairyhunter13/cognitive-triangulation/internal/pipeline"
	"github.com/fairyhunter13/cognitive-triangulation/internal/queue"
	"github.com/fairyhunter13/cognitive-triangulation/internal/repo/postgres"
	"github.com/fairyhunter13/cognitive-triangulation/internal/repo/postgres/migrate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	runID := os.Getenv("RUN_ID")
	if runID == "" {
		runID = ulid.Make().String()
	}
	slog.Info("starting pipeline", slog.String("env", cfg.AppEnv), slog.String("run_id", runID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Relational store.
	pool, err := postgres.NewPool(ctx, cfg.DBURL, int32(cfg.QueuePoolSize()))
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	fileRepo := postgres.NewFileRepo(pool)
	poiRepo := postgres.NewPOIRepo(pool)
	relRepo := postgres.NewRelationshipRepo(pool)
	evidenceRepo := postgres.NewEvidenceRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	sessionRepo := postgres.NewSessionRepo(pool)
	cleanup := postgres.NewCleanupService(pool, 7)

	// Cache.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	// Durable queues.
	queues, err := queue.NewManager(queue.ManagerConfig{
		Brokers:         cfg.KafkaBrokers,
		TransactionalID: "ctp-outbox-" + runID,
		Retry:           domain.DefaultRetryPolicy(),
		RetentionCount:  cfg.RetentionCount,
		StaleAge:        cfg.StaleAge,
	})
	if err != nil {
		slog.Error("queue manager init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Concurrency: global cap, per-kind pools, breakers with cascade
	// prevention between them.
	global := concurrency.NewGlobalManager(cfg.MaxConcurrency,
		concurrency.WithQueueSizeLimit(cfg.AcquireQueueLimit),
		concurrency.WithPermitTimeout(cfg.PermitTimeout),
		concurrency.WithFairScheduling(cfg.FairScheduling),
	)
	poolMgr := concurrency.NewPoolManager(cfg.CPUThreshold, cfg.MemoryThreshold)
	poolMgr.SetGlobalConcurrencyManager(global)

	breakers := breaker.NewSet(
		breaker.Config{
			FailureThreshold: cfg.LLMFailureThreshold,
			ResetTimeout:     cfg.LLMResetTimeout,
			MaxResetTimeout:  5 * time.Minute,
			ProbeCount:       cfg.LLMProbeCount,
			FailureWindow:    time.Minute,
		},
		breaker.Config{
			FailureThreshold: cfg.GraphFailureThreshold,
			ResetTimeout:     cfg.GraphResetTimeout,
			MaxResetTimeout:  2 * time.Minute,
			ProbeCount:       cfg.GraphProbeCount,
			FailureWindow:    time.Minute,
		},
		breaker.Config{
			FailureThreshold: cfg.CacheFailureThreshold,
			ResetTimeout:     cfg.CacheResetTimeout,
			MaxResetTimeout:  time.Minute,
			ProbeCount:       cfg.CacheProbeCount,
			FailureWindow:    time.Minute,
		},
	)
	breakers.SetNotifier(poolMgr)
	// Provider cooldowns are deployment-wide, not run-scoped.
	breakers.SetBackoffStore(breaker.NewRedisBackoffStore(rdb, ""))

	profile, err := cfg.LoadWorkerProfile()
	if err != nil {
		slog.Warn("worker profile load failed, using defaults", slog.Any("error", err))
	}
	registerKind := func(kind string, deps ...string) {
		poolMgr.RegisterWorker(kind, concurrency.WorkerConfig{
			MaxConcurrency: profile.Limits[kind],
			Priority:       profile.Priorities[kind],
			JobTimeout:     2 * cfg.LLMTimeout,
			DependsOn:      deps,
		})
	}
	registerKind(pipeline.KindFileAnalysis, breaker.ServiceLLM)
	registerKind(pipeline.KindRelationshipResolution, breaker.ServiceLLM)
	registerKind(pipeline.KindValidation)
	registerKind(pipeline.KindGraphIngestion, breaker.ServiceGraph)

	// LLM: a deterministic stub in test/debug, otherwise the provider client
	// behind the response cache.
	var llmClient domain.LLMClient
	if cfg.IsTest() || cfg.IsDebug() {
		llmClient = llm.NewStub()
	} else {
		llmClient = llm.NewCached(llm.New(cfg), rdb, 24*time.Hour)
	}
	analyzer := llm.NewAnalyzer(llmClient, 4096)

	// Graph store and projection.
	graphStore := graph.New(cfg.GraphURL, cfg.GraphAPIKey, cfg.GraphTimeout)
	builder := graph.NewBuilder(graphStore, poiRepo, relRepo, breakers)

	// Outbox spine.
	writer := outbox.NewBatchedWriter(poiRepo, relRepo, outboxRepo, outbox.WriterConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		MaxRetries:    cfg.WriterMaxRetry,
	}, nil)
	publisher := outbox.NewPublisher(outboxRepo, fileRepo, poiRepo, writer, queues, outbox.PublisherConfig{
		RunID:           runID,
		PollingInterval: cfg.PollingInterval,
		BatchLimit:      cfg.OutboxBatchSize,
	})

	// Queue consumers.
	fileWorker := pipeline.NewFileAnalysisWorker(analyzer, outboxRepo, poolMgr, breakers)
	relWorker := pipeline.NewRelationshipWorker(analyzer, outboxRepo, poolMgr, breakers)
	validationWorker := pipeline.NewValidationWorker(evidenceRepo, poiRepo, relRepo, sessionRepo, outboxRepo, poolMgr, pipeline.ValidationConfig{
		ValidationThreshold: cfg.ValidationThreshold,
		DiscardThreshold:    cfg.DiscardThreshold,
		ExpectedEvidence:    cfg.ExpectedEvidence,
	})
	workerOpts := func(kind string) queue.WorkerOptions {
		return queue.WorkerOptions{
			Concurrency:     profile.Limits[kind],
			StalledInterval: cfg.StaleAge / 4,
			LockDuration:    cfg.StaleAge,
		}
	}

	// Ops surface.
	opsSrv := ops.New(cfg.OpsPort, breakers, map[string]ops.Pinger{
		"postgres": pool.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"graph":    graphStore.Ping,
		"queue":    queues.Ping,
	})
	go func() {
		if err := opsSrv.Start(); err != nil {
			slog.Warn("ops server stopped", slog.Any("error", err))
		}
	}()
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = opsSrv.Shutdown(sdCtx)
	}()

	// Background retention sweep for runs older than the retention window.
	go cleanup.RunPeriodic(ctx, 6*time.Hour)

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		RunID:        runID,
		StageTimeout: cfg.StageTimeout,
		MonitorCfg: pipeline.MonitorConfig{
			CheckInterval:      cfg.CheckInterval,
			MaxWaitTime:        cfg.MaxWaitTime,
			MaxFailureRate:     cfg.MaxFailureRate,
			RequiredIdleChecks: cfg.RequiredIdleChecks,
		},
		Migrator:  migrate.NewRunner(pool),
		Cleaner:   cleanup,
		Queues:    queues,
		Publisher: publisher,
		Writer:    writer,
		Global:    global,
		Pool:      poolMgr,
		Breakers:  breakers,
		Builder:   builder,
		Workers: []pipeline.WorkerSpec{
			{Queue: queue.QueueFileAnalysis, Handler: fileWorker.Handle, Options: workerOpts(pipeline.KindFileAnalysis)},
			{Queue: queue.QueueRelationshipResolution, Handler: relWorker.Handle, Options: workerOpts(pipeline.KindRelationshipResolution)},
			{Queue: queue.QueueAnalysisFindings, Handler: validationWorker.Handle, Options: workerOpts(pipeline.KindValidation)},
		},
	})

	report, err := orch.Run(ctx)
	if err != nil {
		slog.Error("pipeline run failed", slog.String("run_id", runID), slog.Any("error", err))
		os.Exit(1)
	}

	for name, counts := range report.PerQueue {
		if counts.Failed > 0 {
			slog.Warn("queue finished with failures",
				slog.String("queue", name),
				slog.Int64("failed", counts.Failed),
				slog.Int64("completed", counts.Completed))
		}
	}
	if report.Resolution != pipeline.ResolutionCompleted {
		os.Exit(2)
	}
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/docpipe/internal/api"
	"github.com/phrazzld/docpipe/internal/api/middleware"
	"github.com/phrazzld/docpipe/internal/auth"
	"github.com/phrazzld/docpipe/internal/batch"
	"github.com/phrazzld/docpipe/internal/config"
	"github.com/phrazzld/docpipe/internal/events"
	"github.com/phrazzld/docpipe/internal/ledger"
	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/platform/gemini"
	"github.com/phrazzld/docpipe/internal/platform/memory"
	"github.com/phrazzld/docpipe/internal/platform/metrics"
	"github.com/phrazzld/docpipe/internal/platform/ocrhttp"
	"github.com/phrazzld/docpipe/internal/platform/openaillm"
	"github.com/phrazzld/docpipe/internal/platform/redisstore"
	"github.com/phrazzld/docpipe/internal/platform/s3blob"
	"github.com/phrazzld/docpipe/internal/platform/sqlstore"
	"github.com/phrazzld/docpipe/internal/stages"
	"github.com/phrazzld/docpipe/internal/store"
	"github.com/phrazzld/docpipe/internal/task"
)

// application holds the shared dependencies so they can be closed in order
// on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	db    *sql.DB
	redis *redis.Client

	contexts    store.ContextStore
	blobs       store.BlobStorage
	ledger      *ledger.Ledger
	taskRunner  *task.TaskRunner
	coordinator *batch.Coordinator
	router      http.Handler
}

// newApplication wires every component. Nothing is started; Run does that.
func newApplication(ctx context.Context, cfg *config.Config, l *slog.Logger) (_ *application, err error) {
	app := &application{config: cfg, logger: l}
	defer func() {
		if err != nil {
			app.cleanup()
		}
	}()

	dialect, db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.db = db
	l.Info("Database connection established", "dialect", dialect)

	// SQLite is a development target; Postgres schemas are managed with -migrate.
	if dialect == sqlstore.DialectSQLite {
		if err := sqlstore.Migrate(ctx, db, dialect, l); err != nil {
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	emitter := events.NewInMemoryEventEmitter(l)
	emitter.RegisterHandler(events.NewLogHandler(l.With("component", "chain_events")), events.KindChain)
	emitter.RegisterHandler(events.NewLogHandler(l.With("component", "batch_events")), events.KindBatch)
	emitter.RegisterHandler(events.NewMetricsHandler(m))

	app.ledger = ledger.New(db, sqlstore.NewLedgerStore(db, dialect), l,
		ledger.WithEmitter(emitter),
		ledger.WithMetrics(m),
		ledger.WithWriteTimeout(cfg.Database.WriteTimeout))

	healthChecks := map[string]api.HealthCheck{"database": db.PingContext}

	if cfg.Redis.Addr != "" {
		app.redis = redisstore.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		rs := redisstore.New(app.redis, redisstore.Options{
			TTL:              cfg.Redis.ContextTTL,
			OperationTimeout: cfg.Redis.OperationTimeout,
		}, l)
		if err := rs.Ping(ctx); err != nil {
			return nil, err
		}
		app.contexts = rs
		healthChecks["redis"] = rs.Ping
		l.Info("Context store initialized", "backend", "redis", "addr", cfg.Redis.Addr)
	} else {
		app.contexts = memory.NewContextStore(cfg.Redis.ContextTTL)
		l.Warn("Context store is in-process; contexts are lost on restart", "backend", "memory")
	}

	switch cfg.Storage.Backend {
	case "s3":
		app.blobs, err = s3blob.New(ctx, cfg.Storage, l)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize blob storage: %w", err)
		}
	default:
		app.blobs = memory.NewBlobStore(cfg.Storage.PublicBaseURL)
	}
	l.Info("Blob storage initialized", "backend", cfg.Storage.Backend, "bucket", cfg.Storage.Bucket)

	registry, err := newStageRegistry(ctx, cfg, app.blobs, l)
	if err != nil {
		return nil, err
	}

	defs, err := pipeline.LoadDefinitionsFile(cfg.Pipeline.DefinitionsPath)
	if err != nil {
		return nil, err
	}
	catalog, err := registry.BuildCatalog(defs, retryPolicy(cfg.Retry))
	if err != nil {
		return nil, fmt.Errorf("failed to build chain catalog: %w", err)
	}
	l.Info("Chain catalog loaded", "chains", catalog.Names())

	orchestrator := pipeline.NewOrchestrator(app.contexts, l,
		pipeline.WithHooks(ledger.NewHooks(app.ledger, m, l)),
		pipeline.WithRevocationChecker(app.ledger),
		pipeline.WithFinalizer(app.ledger),
		pipeline.WithMetrics(m))

	app.taskRunner = task.NewTaskRunner(sqlstore.NewTaskStore(db, dialect), task.TaskRunnerConfig{
		WorkerCount:            cfg.Task.WorkerCount,
		QueueSize:              cfg.Task.QueueSize,
		StuckTaskAge:           cfg.Task.StuckTaskAge,
		StuckTaskCheckInterval: cfg.Task.StuckTaskCheckInterval,
	}, l.With("component", "task_runner"))

	app.coordinator = batch.NewCoordinator(catalog, orchestrator, app.taskRunner, app.ledger, batch.Config{
		DefaultChunkSize: cfg.Pipeline.DefaultChunkSize,
		MaxItems:         cfg.Pipeline.MaxBatchItems,
		PollInterval:     cfg.Pipeline.PollInterval,
	}, l)
	app.coordinator.RegisterFactories(app.taskRunner)

	tokens, err := auth.NewTokens(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}

	app.router = api.NewRouter(api.RouterConfig{
		Pipeline:       api.NewPipelineHandler(app.coordinator, app.ledger, app.contexts),
		Health:         api.NewHealthHandler(healthChecks, cfg.Redis.OperationTimeout),
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Auth:           middleware.NewAuthMiddleware(tokens),
		Logger:         l,
		RequestTimeout: cfg.Server.WriteTimeout,
	})

	l.Info("Application initialized successfully")
	return app, nil
}

// newStageRegistry builds the four document stages over the configured
// OCR service and LLM providers.
func newStageRegistry(ctx context.Context, cfg *config.Config, blobs store.BlobStorage, l *slog.Logger) (*pipeline.Registry, error) {
	ocr, err := ocrhttp.New(cfg.OCR, nil, l.With("component", "ocr_client"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OCR client: %w", err)
	}

	var analyzers []stages.Analyzer
	if cfg.LLM.GeminiAPIKey != "" {
		g, err := gemini.New(ctx, cfg.LLM, nil, l.With("component", "gemini"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Gemini client: %w", err)
		}
		analyzers = append(analyzers, g)
	}
	if cfg.LLM.OpenAIAPIKey != "" {
		o, err := openaillm.New(cfg.LLM, nil, l.With("component", "openai"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
		}
		analyzers = append(analyzers, o)
	}

	analysis, err := stages.NewLLMAnalysis(l, analyzers...)
	if err != nil {
		return nil, err
	}

	return pipeline.NewRegistry(
		stages.NewOCR(blobs, ocr, l),
		stages.NewLayout(l),
		analysis,
		stages.NewPostProcessing(blobs, l),
	), nil
}

func retryPolicy(cfg config.RetryConfig) pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		Multiplier:     cfg.Multiplier,
		MaxBackoff:     cfg.MaxBackoff,
		Jitter:         cfg.Jitter,
	}
}

func openDatabase(ctx context.Context, cfg *config.Config) (sqlstore.Dialect, *sql.DB, error) {
	dialect, err := sqlstore.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return "", nil, err
	}
	db, err := sqlstore.Open(ctx, dialect, cfg.Database.URL, sqlstore.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return "", nil, err
	}
	return dialect, db, nil
}

// cleanup releases resources in reverse order of construction. It is safe
// on a partially built application.
func (app *application) cleanup() {
	if app.taskRunner != nil {
		app.taskRunner.Stop()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("Error closing redis client", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}
	app.logger.Info("Application shutdown completed")
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"

	"github.com/JonMunkholm/taxintake/internal/blob"
	"github.com/JonMunkholm/taxintake/internal/cache"
	"github.com/JonMunkholm/taxintake/internal/config"
	"github.com/JonMunkholm/taxintake/internal/elastic"
	"github.com/JonMunkholm/taxintake/internal/etl"
	"github.com/JonMunkholm/taxintake/internal/intake"
	"github.com/JonMunkholm/taxintake/internal/lifecycle"
	"github.com/JonMunkholm/taxintake/internal/logging"
	"github.com/JonMunkholm/taxintake/internal/metrics"
	"github.com/JonMunkholm/taxintake/internal/parse"
	"github.com/JonMunkholm/taxintake/internal/postgres"
	"github.com/JonMunkholm/taxintake/internal/scan"
	"github.com/JonMunkholm/taxintake/internal/template"
	"github.com/JonMunkholm/taxintake/internal/uniqueness"
	"github.com/JonMunkholm/taxintake/internal/validation"
	"github.com/JonMunkholm/taxintake/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx := context.Background()

	// Relational store: documents, history, alerts, taxpayers
	pool, err := connectDatabase(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.New(pool)
	if cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	// Document store: validated and published rows
	es, err := elastic.New(elastic.Config{
		Addresses:   cfg.Elastic.Addresses,
		Username:    cfg.Elastic.Username,
		Password:    cfg.Elastic.Password,
		APIKey:      cfg.Elastic.APIKey,
		BulkWorkers: cfg.Elastic.BulkWorkers,
	})
	if err != nil {
		slog.Error("failed to create document store client", "error", err)
		os.Exit(1)
	}
	if err := es.Ping(ctx); err != nil {
		slog.Warn("document store not reachable yet", "error", err)
	}

	blobs, closeBlobs, err := openBlobStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open file storage", "error", err)
		os.Exit(1)
	}
	defer closeBlobs()

	var taxpayers etl.TaxpayerRepository = store
	if cfg.Redis.Enabled() {
		rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("taxpayer cache disabled", "error", err)
		} else {
			defer rdb.Close()
			taxpayers = cache.NewTaxpayers(store, cache.NewRedis(rdb), cfg.Redis.TTL)
			slog.Info("taxpayer cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.TTL)
		}
	}

	registry, err := template.NewRegistryFromFile(cfg.Templates.Path)
	if err != nil {
		slog.Error("failed to load templates", "path", cfg.Templates.Path, "error", err)
		os.Exit(1)
	}
	slog.Info("templates registered",
		"count", registry.Count(),
		"archetypes", len(registry.Archetypes()),
	)

	languages, err := parse.ParseLanguages(cfg.Parser.Languages)
	if err != nil {
		slog.Error("invalid parser languages", "error", err)
		os.Exit(1)
	}
	parser := parse.New(
		parse.WithLanguages(languages...),
		parse.WithLocation(cfg.Parser.Location()),
		parse.WithTwoDigitYearPivot(cfg.Parser.TwoDigitYearPivot),
	)

	m := metrics.New()
	tracker := lifecycle.NewTracker(store, store)
	limiter := intake.NewLimiter(cfg.Upload.MaxConcurrent, cfg.Upload.MaxWaitTime)

	pipeline := intake.NewPipeline(intake.Config{
		MaxFileSize:         cfg.Upload.MaxFileSize,
		MaxHeaderSearchRows: cfg.Upload.MaxHeaderSearchRows,
		BatchSize:           cfg.Upload.BatchSize,
		Timeout:             cfg.Upload.Timeout,
	}, intake.Deps{
		Registry: registry,
		Rules:    validation.CatalogueRules(),
		Parser:   parser,
		Tracker:  tracker,
		Resolver: uniqueness.NewResolver(store),
		Blobs:    blobs,
		Rows:     es,
		Limiter:  limiter,
	}, intake.WithObserver(m.ObserveUpload))

	sources := etl.NewSources(registry, store, es,
		scan.WithBatchSize(cfg.Elastic.ScanBatchSize),
		scan.WithLease(cfg.Elastic.ScanLease),
		scan.WithCloseTimeout(cfg.Elastic.CloseTimeout),
		scan.WithClassifier(elastic.Classifier),
		scan.WithHooks(m.ScanHooks()),
	)
	stage := etl.NewStage(etl.Config{
		Workers:   cfg.ETL.Workers,
		Timeout:   cfg.ETL.Timeout,
		Interval:  cfg.ETL.Interval,
		BatchSize: cfg.ETL.BatchSize,
		Limit:     cfg.ETL.Limit,
	}, etl.Deps{
		Data:      sources,
		Taxpayers: taxpayers,
		Publisher: es,
		Tracker:   tracker,
		Documents: store,
		Registry:  registry,
	}, etl.WithObserver(m.ObserveETL))

	server := web.NewServer(web.Config{
		Addr:           cfg.Server.Addr(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxUploadSize:  cfg.Upload.MaxFileSize,
		RateLimit:      cfg.Server.RateLimit,
		TrustedProxies: cfg.Security.TrustedProxies,
		APIKeys:        cfg.Security.APIKeys,
	}, web.Deps{
		Registry:  registry,
		Documents: store,
		Intake:    pipeline,
		Limiter:   limiter,
		ETL:       stage,
		Metrics:   m.Handler(),
		Ping:      pool.Ping,
	})

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	if cfg.ETL.Enabled {
		go stage.Start(jobCtx)
	} else {
		slog.Info("etl scheduler disabled; runs are triggered through the API only")
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		// Stop background jobs
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for active uploads to complete (with timeout)
		if active := limiter.Active(); active > 0 {
			slog.Info("waiting for uploads to complete", "active", active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("uploads did not complete in time", "error", err)
			} else {
				slog.Info("all uploads completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}

// openBlobStore returns the configured original-file store and its closer.
func openBlobStore(ctx context.Context, cfg config.StorageConfig) (blob.Store, func(), error) {
	if strings.EqualFold(cfg.Backend, "gcs") {
		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("file storage", "backend", "gcs", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
		return blob.NewGCS(client, cfg.Bucket, cfg.Prefix), func() { client.Close() }, nil
	}

	local, err := blob.NewLocal(cfg.LocalDir)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("file storage", "backend", "local", "dir", cfg.LocalDir)
	return local, func() {}, nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chronicle/changerequest/internal/app"
	"chronicle/changerequest/internal/blob"
	"chronicle/changerequest/internal/config"
	"chronicle/changerequest/internal/diffcache"
	"chronicle/changerequest/internal/engine"
	"chronicle/changerequest/internal/gitrepo"
	"chronicle/changerequest/internal/lock"
	"chronicle/changerequest/internal/logger"
	"chronicle/changerequest/internal/memstore"
	"chronicle/changerequest/internal/merge"
	"chronicle/changerequest/internal/metrics"
	"chronicle/changerequest/internal/search"
	"chronicle/changerequest/internal/store"
)

// repository is what the host needs from a change request store.
type repository interface {
	engine.Repository
	search.Lister
}

func main() {
	cfg, err := config.Load(os.Getenv("CR_CONFIG_FILE"))
	if err != nil {
		l := logger.New(logger.Config{})
		l.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	ctx := context.Background()
	m := metrics.New()
	checks := map[string]app.Pinger{}

	var documents engine.DocumentStore
	switch cfg.DocumentStore {
	case config.DocumentStoreMemory:
		log.Warn().Msg("using the in-memory document store, documents are lost on restart")
		documents = memstore.NewDocumentStore()
	default:
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.ReposDir).Msg("create repos dir")
		}
		documents = gitrepo.New(cfg.ReposDir)
	}

	var (
		repo     repository
		fallback search.Searcher
	)
	if cfg.DatabaseURL != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()
		if err := store.ApplyMigrations(db.DB); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		checks["database"] = app.PingFunc(db.PingContext)

		var opts []store.Option
		if cfg.MinioEndpoint != "" {
			blobs, err := blob.NewMinio(blob.Config{
				Endpoint:  cfg.MinioEndpoint,
				AccessKey: cfg.MinioAccessKey,
				SecretKey: cfg.MinioSecretKey,
				Bucket:    cfg.MinioBucket,
				Region:    cfg.MinioRegion,
				UseSSL:    cfg.MinioUseSSL,
			})
			if err != nil {
				log.Fatal().Err(err).Msg("minio client")
			}
			if err := blobs.EnsureBucket(ctx); err != nil {
				log.Fatal().Err(err).Str("bucket", cfg.MinioBucket).Msg("minio bucket")
			}
			checks["minio"] = blobs
			opts = append(opts, store.WithSnapshotBlobs(blobs))
		}
		repo = store.NewPostgresStore(db, opts...)
		fallback = search.NewPgFTS(db.DB)
	} else {
		log.Warn().Msg("DATABASE_URL not set, change requests are kept in memory")
		memory := memstore.NewRepository()
		repo = memory
		fallback = search.NewScan(memory)
	}

	var locker engine.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		redisLock, err := lock.NewRedis(cfg.RedisURL, lock.RedisOptions{TTL: cfg.LockTTL})
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisLock.Close()
		checks["redis"] = redisLock
		locker = redisLock
	}

	granularity, err := merge.ParseGranularity(cfg.MergeGranularity)
	if err != nil {
		log.Fatal().Err(err).Msg("merge granularity")
	}

	cache := diffcache.New(diffcache.Config{Enabled: cfg.DiffCacheEnabled, Size: cfg.DiffCacheSize})
	m.WatchDiffCache(cache)

	var meiliClient *search.Meili
	if cfg.MeiliURL != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Component(log, "search"))
		defer meiliClient.Close()
	}

	eng := engine.New(engine.Options{
		Documents:  documents,
		Repository: repo,
		Cache:      cache,
		Locker:     locker,
		Merge:      merge.Config{Granularity: granularity},
		Logger:     logger.Component(log, "engine"),
		Metrics:    m,
	})
	service := app.New(app.Options{
		Engine: eng,
		Lister: repo,
		Search: search.NewService(meiliClient, fallback, logger.Component(log, "search")),
		Checks: checks,
		Logger: logger.Component(log, "app"),
	})
	service.Bootstrap(ctx)

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin: cfg.CORSOrigin,
		Logger:     logger.Component(log, "http"),
		Metrics:    m,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("document_store", cfg.DocumentStore).Msg("change request API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	waitForShutdown(server, log)
}

func waitForShutdown(server *http.Server, log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

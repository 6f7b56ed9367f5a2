// Package tracker ingests raw visits. The write path stays cheap: one
// insert, plus deferred invalidation bookkeeping that never blocks or fails
// the request.
package tracker

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sitewise/sitewise/pkg/archive"
	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/db/clickhouse"
	"github.com/sitewise/sitewise/pkg/db/logs"
	"github.com/sitewise/sitewise/pkg/db/sites"
	"github.com/sitewise/sitewise/pkg/logging"
	"github.com/sitewise/sitewise/pkg/redis"
	"github.com/sitewise/sitewise/pkg/utils"
)

// Events publishes tracking notifications. Satisfied by redis.Client.
type Events interface {
	XAdd(ctx context.Context, stream string, values map[string]interface{}) string
}

// App is the tracking ingest service.
type App struct {
	Logger *zap.Logger

	Sites       sites.Store
	Logs        logs.Store
	Invalidator *archive.Invalidator
	Events      Events
	Redis       *redis.Client

	CH     clickhouse.Client
	Server *http.Server
}

// Initialize builds the tracker from the environment.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	dbName := utils.Env("ARCHIVER_DATABASE", "sitewise")
	chClient, err := clickhouse.New(ctx, logger, dbName, clickhouse.DefaultPoolConfig("tracker"))
	if err != nil {
		logger.Fatal("Unable to connect to ClickHouse", zap.Error(err))
	}
	if err := chClient.CreateDbIfNotExists(ctx, dbName); err != nil {
		logger.Fatal("Unable to create database", zap.Error(err))
	}

	redisClient, err := redis.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to connect to Redis", zap.Error(err))
	}
	mutex := redis.NewMutex(redisClient, logger)

	siteStore, err := sites.New(ctx, chClient, dbName, logger)
	if err != nil {
		logger.Fatal("Unable to initialize site registry", zap.Error(err))
	}
	logStore, err := logs.New(ctx, chClient, dbName, logger)
	if err != nil {
		logger.Fatal("Unable to initialize visit log", zap.Error(err))
	}
	archiveStore := archives.New(chClient, dbName, mutex, logger)
	if err := archiveStore.InitInvalidations(ctx); err != nil {
		logger.Fatal("Unable to initialize invalidation queue", zap.Error(err))
	}

	remembered := redis.NewDistributedList(archive.RememberedList, redisClient, mutex, logger)

	app := &App{
		Logger:      logger,
		Sites:       siteStore,
		Logs:        logStore,
		Invalidator: archive.NewInvalidator(archiveStore, remembered, logger),
		Events:      redisClient,
		Redis:       redisClient,
		CH:          chClient,
	}
	app.setupServer()
	return app
}

// Start serves HTTP and blocks until the context is canceled.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
	a.Logger.Info("Tracker started", zap.String("addr", a.Server.Addr))
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	if err := a.Redis.Close(); err != nil {
		a.Logger.Error("Failed to close Redis connection", zap.Error(err))
	}
	if err := a.CH.Close(); err != nil {
		a.Logger.Error("Failed to close ClickHouse connection", zap.Error(err))
	}
	a.Logger.Info("Tracker stopped")
}

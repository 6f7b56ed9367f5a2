// Package api serves reports out of the archive tables, computing on demand
// when the archiving rules allow a browser-triggered request to.
package api

import (
	"context"

	"go.uber.org/zap"

	"github.com/sitewise/sitewise/app/api/types"
	"github.com/sitewise/sitewise/pkg/archive"
	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/db/clickhouse"
	"github.com/sitewise/sitewise/pkg/db/logs"
	"github.com/sitewise/sitewise/pkg/db/sites"
	"github.com/sitewise/sitewise/pkg/logging"
	"github.com/sitewise/sitewise/pkg/redis"
	"github.com/sitewise/sitewise/pkg/utils"
)

// Initialize builds the API application from the environment.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	dbName := utils.Env("ARCHIVER_DATABASE", "sitewise")
	chClient, err := clickhouse.New(ctx, logger, dbName, clickhouse.DefaultPoolConfig("api"))
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
	invalidator := archive.NewInvalidator(archiveStore, remembered, logger)
	policy := archive.PolicyFromEnv()
	processor := archive.NewProcessor(
		archiveStore, logStore, archive.DefaultRegistry(), policy, mutex,
		archive.ProcessorConfigFromEnv(), logger)
	loader := archive.NewLoader(processor, invalidator, logger)

	return &types.App{
		Logger:      logger,
		Sites:       siteStore,
		Archives:    archiveStore,
		Loader:      loader,
		Invalidator: invalidator,
		Policy:      policy,
		Redis:       redisClient,
		Options:     redis.NewOptions(redisClient),
		ReArchive:   redis.NewDistributedList(redis.ReArchiveListName, redisClient, mutex, logger),
		CH:          chClient,
	}
}

// Package archiver hosts the scheduled archiving orchestrator: it turns
// pending invalidations, operator re-archive requests and the standing
// schedule into a prioritized batch of archiving work, and dispatches the
// batch to a bounded worker pool.
package archiver

import (
	"context"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sitewise/sitewise/pkg/archive"
	"github.com/sitewise/sitewise/pkg/climulti"
	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/db/clickhouse"
	"github.com/sitewise/sitewise/pkg/db/logs"
	"github.com/sitewise/sitewise/pkg/db/sites"
	"github.com/sitewise/sitewise/pkg/logging"
	"github.com/sitewise/sitewise/pkg/redis"
)

// Option names recorded after every run, read back by the diagnostics API.
const (
	OptionLastRunStart  = "LastArchivingStartTs"
	OptionLastRunFinish = "LastArchivingFinishTs"
	OptionLastRunErrors = "LastArchivingErrors"
)

// RunsChannel carries a JSON summary of every finished run, best effort.
const RunsChannel = "sitewise:archiver:runs"

// Config is the orchestrator's environment-driven configuration.
type Config struct {
	// CronSpec schedules runs; the seconds field is required.
	CronSpec string `envconfig:"ARCHIVER_CRON_SPEC" default:"0 */15 * * * *"`
	// Database is the ClickHouse database holding all sitewise tables.
	Database string `envconfig:"ARCHIVER_DATABASE" default:"sitewise"`
	// RunTimeout bounds one full run end to end.
	RunTimeout time.Duration `envconfig:"ARCHIVER_RUN_TIMEOUT" default:"50m"`
	// BackDays is how many past days get a standing freshness check on
	// every run, today included.
	BackDays int `envconfig:"ARCHIVER_BACK_DAYS" default:"2"`
	// ConsumerName identifies this instance in the tracking-event consumer
	// group.
	ConsumerName string `envconfig:"ARCHIVER_CONSUMER_NAME" default:"archiver"`
}

// Events publishes run summaries. Satisfied by redis.Client.
type Events interface {
	Publish(ctx context.Context, channel string, message interface{})
}

// App wires the orchestrator together. All stores are shared with the API
// and tracker processes through ClickHouse and Redis, never through memory.
type App struct {
	Config Config
	Logger *zap.Logger

	Sites       sites.Store
	Logs        logs.Store
	Archives    archives.Store
	Invalidator *archive.Invalidator
	Policy      archive.Policy
	Runner      *climulti.Runner
	Events      Events

	Redis        *redis.Client
	Options      *redis.Options
	ReArchive    archive.TokenList
	Consumer     *redis.StreamConsumer
	Cron         *cron.Cron
	chClient     clickhouse.Client
	consumerDone chan struct{}
}

// Initialize builds the full orchestrator from the environment.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		logger.Fatal("Unable to parse archiver configuration", zap.Error(err))
	}

	chClient, err := clickhouse.New(ctx, logger, cfg.Database, clickhouse.DefaultPoolConfig("archiver"))
	if err != nil {
		logger.Fatal("Unable to connect to ClickHouse", zap.Error(err))
	}
	if err := chClient.CreateDbIfNotExists(ctx, cfg.Database); err != nil {
		logger.Fatal("Unable to create database", zap.Error(err))
	}

	redisClient, err := redis.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to connect to Redis", zap.Error(err))
	}
	mutex := redis.NewMutex(redisClient, logger)
	options := redis.NewOptions(redisClient)
	reArchive := redis.NewDistributedList(redis.ReArchiveListName, redisClient, mutex, logger)
	remembered := redis.NewDistributedList(archive.RememberedList, redisClient, mutex, logger)

	siteStore, err := sites.New(ctx, chClient, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Unable to initialize site registry", zap.Error(err))
	}
	logStore, err := logs.New(ctx, chClient, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Unable to initialize visit log", zap.Error(err))
	}
	archiveStore := archives.New(chClient, cfg.Database, mutex, logger)
	if err := archiveStore.InitInvalidations(ctx); err != nil {
		logger.Fatal("Unable to initialize invalidation queue", zap.Error(err))
	}

	invalidator := archive.NewInvalidator(archiveStore, remembered, logger)
	policy := archive.PolicyFromEnv()
	processor := archive.NewProcessor(
		archiveStore, logStore, archive.DefaultRegistry(), policy, mutex,
		archive.ProcessorConfigFromEnv(), logger)
	runner := climulti.NewRunner(&climulti.ProcessorLauncher{Processor: processor},
		climulti.ConfigFromEnv(), logger)

	consumer, err := redis.NewStreamConsumer(redisClient, redis.StreamConsumerConfig{
		Stream:   redis.TrackingStream,
		Group:    "archiver",
		Consumer: cfg.ConsumerName,
	})
	if err != nil {
		logger.Fatal("Unable to build tracking-event consumer", zap.Error(err))
	}

	app := &App{
		Config:       cfg,
		Logger:       logger,
		Sites:        siteStore,
		Logs:         logStore,
		Archives:     archiveStore,
		Invalidator:  invalidator,
		Policy:       policy,
		Runner:       runner,
		Events:       redisClient,
		Redis:        redisClient,
		Options:      options,
		ReArchive:    reArchive,
		Consumer:     consumer,
		chClient:     chClient,
		consumerDone: make(chan struct{}),
	}

	if err := app.setupScheduler(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// setupScheduler registers the run on the cron scheduler.
func (a *App) setupScheduler(ctx context.Context) error {
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	_, err := a.Cron.AddFunc(a.Config.CronSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, a.Config.RunTimeout)
		defer cancel()
		summary := a.Run(rctx)
		if len(summary.Errors) > 0 {
			a.Logger.Warn("Archiving run finished with errors",
				zap.Int("processed", summary.Processed),
				zap.Strings("errors", summary.Errors))
		}
	})
	return err
}

// Start runs the scheduler and the tracking-event consumer, then blocks
// until the context is canceled.
func (a *App) Start(ctx context.Context) {
	go func() {
		defer close(a.consumerDone)
		// Every tracking event may have landed on an already-archived date;
		// drain the remembered tokens promptly instead of waiting for the
		// next scheduled run.
		err := a.Consumer.Run(ctx, func(hctx context.Context, _ redis.Message) error {
			return a.Invalidator.ConsumeRemembered(hctx)
		})
		if err != nil && ctx.Err() == nil {
			a.Logger.Error("Tracking-event consumer stopped", zap.Error(err))
		}
	}()

	a.Cron.Start()
	a.Logger.Info("Archiver started", zap.String("cron_spec", a.Config.CronSpec))

	<-ctx.Done()
	a.Stop()
}

// Stop drains the scheduler and the worker pool.
func (a *App) Stop() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	a.Runner.Stop()
	<-a.consumerDone
	if err := a.Redis.Close(); err != nil {
		a.Logger.Error("Failed to close Redis connection", zap.Error(err))
	}
	if err := a.chClient.Close(); err != nil {
		a.Logger.Error("Failed to close ClickHouse connection", zap.Error(err))
	}
	a.Logger.Info("Archiver stopped")
}

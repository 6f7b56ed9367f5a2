package types

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sitewise/sitewise/pkg/archive"
	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/db/clickhouse"
	"github.com/sitewise/sitewise/pkg/db/sites"
	"github.com/sitewise/sitewise/pkg/redis"
)

// App carries everything the report API serves from.
type App struct {
	Logger *zap.Logger

	Sites       sites.Store
	Archives    *archives.DB
	Loader      *archive.Loader
	Invalidator *archive.Invalidator
	Policy      archive.Policy

	Redis     *redis.Client
	Options   *redis.Options
	ReArchive *redis.DistributedList

	CH clickhouse.Client

	// Server handles incoming HTTP requests once NewServer has built it.
	Server *http.Server
}

// Start serves HTTP and blocks until the context is canceled.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
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
	a.Logger.Info("API stopped")
}

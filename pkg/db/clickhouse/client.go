package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/sitewise/sitewise/pkg/retry"
	"github.com/sitewise/sitewise/pkg/utils"
)

// Client wraps a ClickHouse connection pool shared by the archive, log and
// site stores.
type Client struct {
	Logger         *zap.Logger
	Db             driver.Conn
	TargetDatabase string
}

// PoolConfig defines connection pool settings for a specific component.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Component       string // For logging/debugging
}

// DefaultPoolConfig returns pool settings tuned via environment variables.
func DefaultPoolConfig(component string) PoolConfig {
	return PoolConfig{
		MaxOpenConns:    utils.EnvInt("CLICKHOUSE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    utils.EnvInt("CLICKHOUSE_MAX_IDLE_CONNS", 10),
		ConnMaxLifetime: utils.EnvDuration("CLICKHOUSE_CONN_MAX_LIFETIME", time.Hour),
		Component:       component,
	}
}

// New opens a connection pool against the server named by CLICKHOUSE_ADDR.
// The connection starts on the default database so the target database can be
// created before use; callers run their DDL through CreateDbIfNotExists.
func New(ctx context.Context, logger *zap.Logger, dbName string, poolConfig PoolConfig) (Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	client := Client{Logger: logger, TargetDatabase: SanitizeName(dbName)}

	dsn := utils.Env("CLICKHOUSE_ADDR", "clickhouse://localhost:9000?sslmode=disable")
	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return Client{}, fmt.Errorf("parse CLICKHOUSE_ADDR: %w", err)
	}

	options.Auth.Database = "default"
	options.DialTimeout = 30 * time.Second
	options.MaxOpenConns = poolConfig.MaxOpenConns
	options.MaxIdleConns = poolConfig.MaxIdleConns
	options.ConnMaxLifetime = poolConfig.ConnMaxLifetime
	if options.Compression == nil {
		options.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}

	err = retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "clickhouse_connection", func() error {
		conn, openErr := clickhouse.Open(options)
		if openErr != nil {
			return fmt.Errorf("open clickhouse connection: %w", openErr)
		}
		if pingErr := conn.Ping(connCtx); pingErr != nil {
			return fmt.Errorf("ping clickhouse: %w", pingErr)
		}
		client.Db = conn
		return nil
	})
	if err != nil {
		return Client{}, err
	}

	logger.Info("ClickHouse connection pool configured",
		zap.String("database", client.TargetDatabase),
		zap.String("component", poolConfig.Component),
		zap.Int("max_open_conns", poolConfig.MaxOpenConns),
		zap.Int("max_idle_conns", poolConfig.MaxIdleConns))

	return client, nil
}

// Exec Helper method to execute raw SQL queries
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.Db.Exec(ctx, query, args...)
}

// QueryRow Helper method to query a single row
func (c *Client) QueryRow(ctx context.Context, query string, args ...interface{}) driver.Row {
	return c.Db.QueryRow(ctx, query, args...)
}

// Query Helper method to query multiple rows
func (c *Client) Query(ctx context.Context, query string, args ...interface{}) (driver.Rows, error) {
	return c.Db.Query(ctx, query, args...)
}

// Select Helper method to select into a slice
func (c *Client) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return c.Db.Select(ctx, dest, query, args...)
}

// PrepareBatch Helper method for batch inserts
func (c *Client) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.Db.PrepareBatch(ctx, query)
}

// Close Helper method to close the connection
func (c *Client) Close() error {
	return c.Db.Close()
}

// CreateDbIfNotExists ensures that the specified database exists.
func (c *Client) CreateDbIfNotExists(ctx context.Context, dbName string) error {
	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s ENGINE = Atomic", SanitizeName(dbName))
	c.Logger.Info("Ensuring database exists", zap.String("database", dbName))
	return c.Exec(ctx, query)
}

// TableExists reports whether the named table exists in the given database.
func (c *Client) TableExists(ctx context.Context, database, table string) (bool, error) {
	query := `
		SELECT count()
		FROM system.tables
		WHERE database = ? AND name = ?
	`

	var count uint64
	if err := c.QueryRow(ctx, query, database, table).Scan(&count); err != nil {
		return false, fmt.Errorf("check if table exists %s.%s: %w", database, table, err)
	}

	return count > 0, nil
}

// IsNoRows Helper to check if the error is no rows
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// SanitizeName sanitizes the provided identifier to be compatible with ClickHouse.
func SanitizeName(id string) string {
	s := strings.ToLower(id)
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, ".", "_")
	return s
}

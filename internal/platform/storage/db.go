// Package storage is the PostgreSQL implementation of the engine's
// persistence boundary: bridge operations, proofs, listener checkpoints and
// the notification outbox.
package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Config struct {
	// URL, when set, overrides the discrete connection fields.
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`

	// ApplicationName tags engine sessions in pg_stat_activity.
	ApplicationName string `yaml:"application_name"`
	// StatementTimeout is enforced server side; zero leaves the server default.
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	// TxRetries bounds how often WithTx re-runs a transaction that lost a
	// serialization conflict or deadlock.
	TxRetries uint64 `yaml:"tx_retries"`

	MaxConns          int32         `yaml:"max_conns"`
	MinConns          int32         `yaml:"min_conns"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
}

// DefaultConfig returns defaults for local development.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5432,
		User:              "bridge",
		Password:          "bridge_dev",
		Database:          "bridge",
		SSLMode:           "disable",
		ApplicationName:   "bridge-pulse",
		StatementTimeout:  30 * time.Second,
		TxRetries:         3,
		MaxConns:          25,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}

func (c Config) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// withDefaults fills the pool and session settings left at zero.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ApplicationName == "" {
		c.ApplicationName = def.ApplicationName
	}
	if c.MaxConns == 0 {
		c.MaxConns = def.MaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = def.MinConns
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = def.MaxConnLifetime
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = def.MaxConnIdleTime
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = def.HealthCheckPeriod
	}
	return c
}

// runtimeParams are the session settings sent on every new connection.
func (c Config) runtimeParams() map[string]string {
	params := map[string]string{"application_name": c.ApplicationName}
	if c.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}
	return params
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the engine's connection pool.
type DB struct {
	pool *pgxpool.Pool
	cfg  Config
}

func New(ctx context.Context, cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	for k, v := range cfg.runtimeParams() {
		poolCfg.ConnConfig.RuntimeParams[k] = v
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Host, err)
	}
	return &DB{pool: pool, cfg: cfg}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// WithTx runs fn in a transaction, committing if it returns nil. A
// transaction that fails on a serialization conflict or deadlock is re-run
// up to TxRetries times, so fn must not have effects outside tx.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	b := retry.WithMaxRetries(db.cfg.TxRetries, retry.NewExponential(20*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := db.runTx(ctx, fn)
		if isTxConflict(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (db *DB) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// isTxConflict reports whether err is a conflict that succeeds on re-run.
func isTxConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

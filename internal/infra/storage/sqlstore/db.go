// Package sqlstore implements the job store over a SQL database:
// SQLite for the default local setup, PostgreSQL when a URL is
// configured.
package sqlstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"

	"github.com/docflow-io/docflow/internal/health"
	"github.com/docflow-io/docflow/internal/metrics"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Config holds job-store connection configuration.
type Config struct {
	Driver   string `yaml:"driver"` // "sqlite" or "postgres"
	Path     string `yaml:"path"`   // sqlite file path
	URL      string `yaml:"url"`    // postgres URL
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// DB wraps the job-store connection and counts contention retries.
type DB struct {
	*sqlx.DB
	lockRetries atomic.Uint64
}

// NewDB opens the database, applies migrations and verifies the
// connection.
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	var (
		db      *sqlx.DB
		dialect string
		err     error
	)
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.Path
		if dsn == "" {
			dsn = "docflow.db"
		}
		db, err = sqlx.Open("sqlite", dsn)
		dialect = "sqlite3"
		if err == nil {
			// SQLite cannot handle concurrent writers on one file.
			db.SetMaxOpenConns(1)
		}
	case "postgres":
		db, err = sqlx.Open("postgres", cfg.URL)
		dialect = "postgres"
		if err == nil {
			if cfg.MaxConns > 0 {
				db.SetMaxOpenConns(cfg.MaxConns)
			} else {
				db.SetMaxOpenConns(10)
			}
			if cfg.MinConns > 0 {
				db.SetMaxIdleConns(cfg.MinConns)
			} else {
				db.SetMaxIdleConns(2)
			}
			db.SetConnMaxLifetime(time.Hour)
		}
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DB{DB: db}, nil
}

// LockRetries returns how many writes were retried due to contention.
func (db *DB) LockRetries() uint64 {
	return db.lockRetries.Load()
}

// Health checks if the database is healthy.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}

// HealthSnapshot implements health.Provider.
func (db *DB) HealthSnapshot(ctx context.Context) health.Component {
	comp := health.Component{
		Name:   "job_store",
		Status: health.StatusHealthy,
		Details: map[string]any{
			"lock_retries": db.LockRetries(),
		},
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		comp.Status = health.StatusCritical
		comp.Details["error"] = err.Error()
	}
	return comp
}

// withLockRetry runs fn, retrying with bounded exponential backoff on
// "database is locked"/serialization contention errors instead of
// surfacing a transient error to the caller.
func (db *DB) withLockRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(5, retry.NewExponential(10*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}
		if isContention(err) {
			db.lockRetries.Add(1)
			metrics.DBLockRetries.Inc()
			return retry.RetryableError(err)
		}
		return err
	})
}

func isContention(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "deadlock detected")
}

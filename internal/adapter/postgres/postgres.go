// Package postgres implements the database store on PostgreSQL with pgvector,
// plus the pool constructor and the embedded goose migration runner.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql (needed by goose)
	"github.com/pressly/goose/v3"

	"github.com/Strob0t/ReplyForge/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// NewPool opens and pings a connection pool. Store queries, the quota engine and
// the knowledge search all share it.
func NewPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "replyforge"

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheck

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// migrator opens a short-lived database/sql handle for goose. The pool is not
// reused because goose needs a *sql.DB.
func migrator(dsn string) (*goose.Provider, func(), error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open migration db: %w", err)
	}
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations fs: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("goose provider: %w", err)
	}
	return p, func() { _ = db.Close() }, nil
}

// RunMigrations applies every pending embedded migration.
func RunMigrations(ctx context.Context, dsn string) error {
	p, closeDB, err := migrator(dsn)
	if err != nil {
		return err
	}
	defer closeDB()

	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	for _, r := range results {
		slog.Info("migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// RollbackMigrations reverts the last steps migrations, stopping early when
// nothing is left to roll back.
func RollbackMigrations(ctx context.Context, dsn string, steps int) error {
	p, closeDB, err := migrator(dsn)
	if err != nil {
		return err
	}
	defer closeDB()

	for range steps {
		r, err := p.Down(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		slog.Info("migration rolled back", "version", r.Source.Version)
	}
	return nil
}

// MigrationVersion returns the schema version currently recorded in the database.
func MigrationVersion(ctx context.Context, dsn string) (int64, error) {
	p, closeDB, err := migrator(dsn)
	if err != nil {
		return 0, err
	}
	defer closeDB()

	v, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("migration version: %w", err)
	}
	return v, nil
}

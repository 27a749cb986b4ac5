// Package db owns the Postgres connection pool and the schema.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Open creates the PostgreSQL connection pool shared by every actor.
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS collections (
		id text PRIMARY KEY,
		is_ref boolean NOT NULL DEFAULT false,
		colrev bigint NOT NULL DEFAULT 0,
		permissions text NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id uuid PRIMARY KEY,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now(),
		col_id text NOT NULL REFERENCES collections (id),
		colrev bigint NOT NULL,
		data bytea,
		is_deleted boolean NOT NULL DEFAULT false,
		permissions text NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS documents_col_id_colrev_idx
		ON documents (col_id, colrev)`,
	`CREATE INDEX IF NOT EXISTS documents_col_id_created_at_idx
		ON documents (col_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS groups (
		id text PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		id uuid PRIMARY KEY,
		"group" text NOT NULL REFERENCES groups (id),
		"user" text NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS members_user_idx ON members ("user")`,
	`CREATE INDEX IF NOT EXISTS members_group_idx ON members ("group")`,
	`CREATE TABLE IF NOT EXISTS refs (
		id uuid PRIMARY KEY,
		is_removed boolean NOT NULL DEFAULT false,
		colrev bigint NOT NULL,
		col_id text NOT NULL REFERENCES collections (id),
		doc_id uuid NOT NULL REFERENCES documents (id)
	)`,
}

// Migrate brings the schema up to date. Every statement is idempotent, so
// running it on every start is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range migrations {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	log.Info().Msg("database schema is up to date")
	return nil
}

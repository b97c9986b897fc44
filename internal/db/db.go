// Package db provides the PostgreSQL implementation of the sync store
// using pgx.
package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/superscale/tasksync/internal/store"
)

// Config holds database connection configuration.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	// StatementTimeout bounds every statement. Push transactions never wait
	// on the network, so a slow statement means lock contention.
	StatementTimeout time.Duration
}

// DefaultConfig returns the pool settings used by the server.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		MaxConns:         20,
		MinConns:         2,
		MaxConnLifetime:  time.Hour,
		MaxConnIdleTime:  15 * time.Minute,
		StatementTimeout: 10 * time.Second,
	}
}

// DB is the server's durable store.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

var _ store.Store = (*DB)(nil)

// New connects the pool and verifies the database is reachable.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	if cfg.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "tasksync"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	db := &DB{
		Pool:   pool,
		logger: logger.With().Str("component", "db").Logger(),
	}

	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.logger.Info().Int32("max_conns", cfg.MaxConns).Msg("connected to database")
	return db, nil
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close closes the pool.
func (db *DB) Close() {
	db.Pool.Close()
	db.logger.Info().Msg("database connection pool closed")
}

// Health reports pool usage for the health endpoint.
func (db *DB) Health() map[string]any {
	stats := db.Pool.Stat()
	return map[string]any{
		"total_conns":      stats.TotalConns(),
		"acquired_conns":   stats.AcquiredConns(),
		"idle_conns":       stats.IdleConns(),
		"max_conns":        stats.MaxConns(),
		"empty_acquire":    stats.EmptyAcquireCount(),
		"acquire_duration": stats.AcquireDuration().String(),
	}
}

// ExecTx runs fn in a read-committed transaction exposed as a store.Tx.
// Todo writes compare versions inside the UPDATE itself, so a stronger
// isolation level is not needed for correctness.
func (db *DB) ExecTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return db.execTx(ctx, func(tx pgx.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// execTx commits when fn returns nil and rolls back otherwise.
func (db *DB) execTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, db.Pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
	if err != nil {
		db.logger.Debug().Err(err).Msg("transaction rolled back")
	}
	return err
}

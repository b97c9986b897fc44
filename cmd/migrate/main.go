// Package main applies the embedded database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/superscale/tasksync/internal/config"
	"github.com/superscale/tasksync/internal/db"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dbURL   = flag.String("db", "", "database URL (defaults to DATABASE_URL)")
		status  = flag.Bool("status", false, "print the schema version and pending migrations, then exit")
		list    = flag.Bool("list", false, "list embedded migrations, then exit")
		timeout = flag.Duration("timeout", 5*time.Minute, "give up after this long")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "migrate").Logger()

	if *list {
		migrations, err := db.GetMigrations()
		if err != nil {
			logger.Error().Err(err).Msg("failed to read migrations")
			return 1
		}
		for _, m := range migrations {
			fmt.Printf("%03d  %s\n", m.Version, m.Name)
		}
		return 0
	}

	url := *dbURL
	if url == "" {
		url = config.LoadServerConfig().DatabaseURL
	}
	if url == "" {
		logger.Error().Msg("database URL required: use -db or set DATABASE_URL")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cfg := db.DefaultConfig(url)
	cfg.MaxConns = 2
	cfg.MinConns = 0
	// DDL may legitimately run longer than a push statement.
	cfg.StatementTimeout = 0

	database, err := db.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return 1
	}
	defer database.Close()

	if *status {
		return printStatus(ctx, database, logger)
	}

	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("migration failed")
		return 1
	}
	version, err := database.CurrentVersion(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read schema version")
		return 1
	}
	logger.Info().Int("version", version).Msg("migrations complete")
	return 0
}

func printStatus(ctx context.Context, database *db.DB, logger zerolog.Logger) int {
	version, err := database.CurrentVersion(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read schema version")
		return 1
	}
	pending, err := database.PendingMigrations(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list pending migrations")
		return 1
	}

	fmt.Printf("Schema version: %d\n", version)
	if len(pending) == 0 {
		fmt.Println("No pending migrations.")
		return 0
	}
	fmt.Println("Pending migrations:")
	for _, m := range pending {
		fmt.Printf("  %03d  %s\n", m.Version, m.Name)
	}
	return 0
}

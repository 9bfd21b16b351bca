// Command migrator applies the .up.sql files in the migrations directory in
// lexical order, recording each one in schema_migrations so reruns are safe.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/observ"
)

func main() {
	logger, err := observ.NewLogger(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(context.Background(), logger); err != nil {
		logger.Fatal("migration run failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol // allow multi-statement migrations
	cfg.ConnConfig.RuntimeParams["application_name"] = "beacon-migrator"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	m := migrator{pool: pool, dir: dir, logger: logger}
	if err := m.ensureLedger(ctx); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied, skipped, err := m.apply(ctx)
	if err != nil {
		return err
	}

	logger.Info("migrations complete",
		zap.Int("applied", applied),
		zap.Int("skipped", skipped),
	)
	return nil
}

type migrator struct {
	pool   *pgxpool.Pool
	dir    string
	logger *zap.Logger
}

func (m migrator) ensureLedger(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `)
	return err
}

func (m migrator) apply(ctx context.Context) (applied, skipped int, err error) {
	names, err := m.pending(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, entry := range names {
		if entry.done {
			m.logger.Info("skipping migration", zap.String("name", entry.name))
			skipped++
			continue
		}

		sql, err := os.ReadFile(filepath.Join(m.dir, entry.name))
		if err != nil {
			return applied, skipped, fmt.Errorf("read %s: %w", entry.name, err)
		}

		start := time.Now()
		if _, err := m.pool.Exec(ctx, string(sql)); err != nil {
			return applied, skipped, fmt.Errorf("execute %s: %w", entry.name, err)
		}
		if _, err := m.pool.Exec(ctx,
			"INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING",
			entry.name,
		); err != nil {
			return applied, skipped, fmt.Errorf("record %s: %w", entry.name, err)
		}

		applied++
		m.logger.Info("applied migration",
			zap.String("name", entry.name),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)),
		)
	}

	return applied, skipped, nil
}

type migrationFile struct {
	name string
	done bool
}

func (m migrator) pending(ctx context.Context) ([]migrationFile, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", m.dir, err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		var done bool
		err := m.pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)",
			entry.Name(),
		).Scan(&done)
		if err != nil {
			return nil, fmt.Errorf("check applied %s: %w", entry.Name(), err)
		}
		files = append(files, migrationFile{name: entry.Name(), done: done})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

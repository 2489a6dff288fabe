// Package store owns the shared SQLite state database: the durable sync-job
// queue, watchman clock persistence, and the cross-process flag/signal bus.
// Sibling processes (daemon, CLI control commands, dashboard) all coordinate
// through this one file.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dirPermissions for the state directory (owner rwx, group/other rx).
const dirPermissions = 0o755

// DB wraps the shared database handle. All stores (Jobs, Clocks, Bus) are
// views over the same handle.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the state database at dbPath, applies
// pragmas and pending migrations, and returns a ready handle.
//
// WAL mode plus busy_timeout allows sibling processes to write concurrently;
// unlike a single-process design there is no sole-writer connection cap here
// because the CLI and dashboard open the same file.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), dirPermissions); err != nil {
		return nil, fmt.Errorf("store: creating state directory: %w", err)
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("state database ready", slog.String("db_path", dbPath))

	return &DB{db: db, logger: logger}, nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Jobs returns the durable job queue view.
func (d *DB) Jobs() *Jobs {
	return &Jobs{db: d.db, logger: d.logger, nowFunc: time.Now}
}

// Clocks returns the watchman clock store view.
func (d *DB) Clocks() *Clocks {
	return &Clocks{db: d.db}
}

// Bus returns the flag/signal bus view.
func (d *DB) Bus() *Bus {
	return &Bus{db: d.db, logger: d.logger, nowFunc: time.Now}
}

// runMigrations applies all pending schema migrations to the database.
// Uses the goose v3 Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	// Strip the "migrations/" prefix so goose sees files at the root of the FS.
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

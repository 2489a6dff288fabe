package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Clocks persists the opaque watchman resumption token per watch root.
// Writes are idempotent last-writer-wins.
type Clocks struct {
	db *sql.DB
}

// Get returns the saved clock for a watch root. The second return value is
// false when no clock has been persisted yet.
func (c *Clocks) Get(ctx context.Context, watchRoot string) (string, bool, error) {
	var clock string

	err := c.db.QueryRowContext(ctx,
		`SELECT clock FROM clocks WHERE directory = ?`, watchRoot).Scan(&clock)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("store: reading clock for %s: %w", watchRoot, err)
	}

	return clock, true, nil
}

// Set upserts the clock for a watch root. A dry run performs no durable
// mutation.
func (c *Clocks) Set(ctx context.Context, watchRoot, clock string, dryRun bool) error {
	if dryRun {
		return nil
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO clocks (directory, clock) VALUES (?, ?)
		 ON CONFLICT(directory) DO UPDATE SET clock = excluded.clock`,
		watchRoot, clock)
	if err != nil {
		return fmt.Errorf("store: saving clock for %s: %w", watchRoot, err)
	}

	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Flag names. Flags are process-wide state visible to sibling processes.
const (
	FlagRunning          = "RUNNING"
	FlagPaused           = "PAUSED"
	FlagServiceInstalled = "SERVICE_INSTALLED"
	FlagWatchmanRunning  = "WATCHMAN_RUNNING"
)

// Variants for the WATCHMAN_RUNNING flag.
const (
	VariantSpawned  = "SPAWNED"
	VariantExisting = "EXISTING"
)

// Signal names. Signals are append-only records consumed exactly once.
const (
	SignalPauseSync        = "pause-sync"
	SignalResumeSync       = "resume-sync"
	SignalStop             = "stop"
	SignalRefreshDashboard = "refresh-dashboard"
)

// ErrAlreadyRunning is returned by AcquireRunning when another live daemon
// holds the RUNNING flag.
var ErrAlreadyRunning = errors.New("store: another daemon is already running")

// Bus is the cross-process flag and signal bus. All mutations are short
// transactions against the shared store, so sibling processes observe a
// consistent view without in-memory globals.
type Bus struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// SetFlag upserts a flag. variant may be empty.
func (b *Bus) SetFlag(ctx context.Context, name, variant string) error {
	var v sql.NullString
	if variant != "" {
		v = sql.NullString{String: variant, Valid: true}
	}

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO flags (name, variant, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET variant = excluded.variant, created_at = excluded.created_at`,
		name, v, b.nowFunc().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: setting flag %s: %w", name, err)
	}

	return nil
}

// ClearFlag removes a flag. When variants are given, the flag is only
// removed if its current variant matches one of them.
func (b *Bus) ClearFlag(ctx context.Context, name string, variants ...string) error {
	query := `DELETE FROM flags WHERE name = ?`
	args := []any{name}

	if len(variants) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(variants)), ",")
		query += ` AND variant IN (` + placeholders + `)`

		for _, v := range variants {
			args = append(args, v)
		}
	}

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: clearing flag %s: %w", name, err)
	}

	return nil
}

// HasFlag reports whether a flag is set.
func (b *Bus) HasFlag(ctx context.Context, name string) (bool, error) {
	var one int

	err := b.db.QueryRowContext(ctx,
		`SELECT 1 FROM flags WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("store: reading flag %s: %w", name, err)
	}

	return true, nil
}

// FlagData returns the variant stored with a flag. The second return value
// is false when the flag is not set.
func (b *Bus) FlagData(ctx context.Context, name string) (string, bool, error) {
	var variant sql.NullString

	err := b.db.QueryRowContext(ctx,
		`SELECT variant FROM flags WHERE name = ?`, name).Scan(&variant)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("store: reading flag data %s: %w", name, err)
	}

	return variant.String, true, nil
}

// SendSignal appends a signal row for sibling processes to consume.
func (b *Bus) SendSignal(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO signals (signal, created_at) VALUES (?, ?)`,
		name, b.nowFunc().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: sending signal %s: %w", name, err)
	}

	return nil
}

// PeekSignal reports whether a signal is queued without consuming it.
func (b *Bus) PeekSignal(ctx context.Context, name string) (bool, error) {
	var one int

	err := b.db.QueryRowContext(ctx,
		`SELECT 1 FROM signals WHERE signal = ? LIMIT 1`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("store: peeking signal %s: %w", name, err)
	}

	return true, nil
}

// ConsumeSignal atomically takes the oldest queued signal of the given name.
// Exactly one of the competing sibling processes observes true for a given
// row: the DELETE targets a single id, and only the process whose statement
// affected one row wins.
func (b *Bus) ConsumeSignal(ctx context.Context, name string) (bool, error) {
	result, err := b.db.ExecContext(ctx,
		`DELETE FROM signals WHERE id = (
			SELECT id FROM signals WHERE signal = ? ORDER BY id LIMIT 1
		 )`, name)
	if err != nil {
		return false, fmt.Errorf("store: consuming signal %s: %w", name, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: consuming signal %s rows affected: %w", name, err)
	}

	return rows == 1, nil
}

// AcquireRunning claims the RUNNING flag for this process, recording pid as
// the flag variant. If the flag is held by a live process, ErrAlreadyRunning
// is returned. A flag pointing at a dead PID is stale and reclaimed.
func (b *Bus) AcquireRunning(ctx context.Context, pid int) error {
	variant, set, err := b.FlagData(ctx, FlagRunning)
	if err != nil {
		return err
	}

	if set {
		holder, parseErr := strconv.Atoi(variant)
		if parseErr == nil && holder != pid {
			alive, existsErr := process.PidExistsWithContext(ctx, int32(holder))
			if existsErr == nil && alive {
				return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, holder)
			}
		}

		b.logger.Warn("reclaiming stale RUNNING flag", slog.String("variant", variant))
	}

	return b.SetFlag(ctx, FlagRunning, strconv.Itoa(pid))
}

// ReleaseRunning clears the RUNNING flag on clean shutdown.
func (b *Bus) ReleaseRunning(ctx context.Context) error {
	return b.ClearFlag(ctx, FlagRunning)
}

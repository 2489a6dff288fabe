package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/MiMillieuh/proton-drive-sync/internal/config"
	"github.com/MiMillieuh/proton-drive-sync/internal/store"
)

// recentSyncedLimit caps the status command's recent-jobs listing.
const recentSyncedLimit = 10

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause syncing",
		Long: `Send a pause-sync signal to the running daemon. Queued jobs stay
pending until resume.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sendSignal(cmd.Context(), store.SignalPauseSync, "Sync paused")
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume syncing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sendSignal(cmd.Context(), store.SignalResumeSync, "Sync resumed")
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sendSignal(cmd.Context(), store.SignalStop, "Stop requested")
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reload configuration and refresh the dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sendSignal(cmd.Context(), store.SignalRefreshDashboard, "Refresh requested")
		},
	}
}

// sendSignal opens the shared store, appends the signal, and prints a
// confirmation. The daemon's control plane picks it up within a second.
func sendSignal(ctx context.Context, name, confirmation string) error {
	db, err := openStateDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Bus().SendSignal(ctx, name); err != nil {
		return err
	}

	running, err := db.Bus().HasFlag(ctx, store.FlagRunning)
	if err != nil {
		return err
	}

	if !flagQuiet {
		fmt.Println(confirmation)

		if !running {
			fmt.Println("Note: no daemon appears to be running — the signal takes effect on next start")
		}
	}

	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon state and job queue counts",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	db, err := openStateDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	bus := db.Bus()

	pid, running, err := bus.FlagData(ctx, store.FlagRunning)
	if err != nil {
		return err
	}

	if running {
		fmt.Printf("Daemon:   running (PID %s)\n", pid)
	} else {
		fmt.Println("Daemon:   not running")
	}

	paused, err := bus.HasFlag(ctx, store.FlagPaused)
	if err != nil {
		return err
	}

	if paused {
		fmt.Println("Sync:     paused")
	} else {
		fmt.Println("Sync:     active")
	}

	jobs := db.Jobs()

	counts, err := jobs.GetCounts(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Queue:    %d pending, %d processing, %d synced, %d blocked\n",
		counts.Pending, counts.Processing, counts.Synced, counts.Blocked)

	recent, err := jobs.ListRecentSynced(ctx, recentSyncedLimit)
	if err != nil {
		return err
	}

	if len(recent) > 0 {
		fmt.Println("\nRecently synced:")

		for _, j := range recent {
			fmt.Printf("  %-6s %s (%s)\n",
				j.EventType, j.RemotePath,
				humanize.Time(time.UnixMilli(j.CreatedAt)))
		}
	}

	blocked, err := jobs.ListBlocked(ctx)
	if err != nil {
		return err
	}

	if len(blocked) > 0 {
		fmt.Println("\nBlocked (operator action required):")

		for _, j := range blocked {
			fmt.Printf("  %-6s %s after %d retries: %s\n",
				j.EventType, j.RemotePath, j.NRetries, j.LastError)
		}
	}

	return nil
}

// openStateDB opens the shared state database for CLI control commands.
func openStateDB(ctx context.Context) (*store.DB, error) {
	stateDir, err := config.CanonicalizePath(config.DefaultStateDir())
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		return nil, err
	}

	return store.Open(ctx, config.DBPath(stateDir), buildLogger(cfg))
}

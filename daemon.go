package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/MiMillieuh/proton-drive-sync/internal/config"
	"github.com/MiMillieuh/proton-drive-sync/internal/drive"
	"github.com/MiMillieuh/proton-drive-sync/internal/drive/drivetest"
	"github.com/MiMillieuh/proton-drive-sync/internal/store"
	"github.com/MiMillieuh/proton-drive-sync/internal/sync"
)

var (
	flagOnce   bool
	flagDryRun bool
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync daemon in the foreground",
		Long: `Run the sync daemon. The daemon subscribes to the file-change service
for every configured sync_dir and mirrors changes into Proton Drive.

With --once a single query-and-sync pass runs instead of a subscription.
With --dry-run events are observed and logged, but nothing is enqueued or
uploaded, no clock is saved, and no job outcome is recorded. The daemon
still sets its RUNNING and WATCHMAN_RUNNING flags, writes missing
.watchmanconfig files, resets interrupted jobs at startup, and claims
already-queued jobs as PROCESSING.`,
		Args: cobra.NoArgs,
		RunE: runDaemon,
	}

	cmd.Flags().BoolVar(&flagOnce, "once", false, "run a single sync pass and exit")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "observe changes without mutating anything")

	return cmd
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfgPath := resolveConfigPath()

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return err
	}

	stateDir, err := config.CanonicalizePath(config.DefaultStateDir())
	if err != nil {
		return err
	}

	logger := buildDaemonLogger(cfg, stateDir)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, config.DBPath(stateDir), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := dialDrive(ctx, logger)
	if err != nil {
		return err
	}

	engine := sync.NewEngine(cfgPath, cfg, db, client, flagDryRun, logger)

	if flagOnce {
		return engine.RunOnce(ctx)
	}

	// A config file edit feeds the same refresh pathway as the dashboard's
	// refresh button.
	stopWatch, err := watchConfigFile(ctx, cfgPath, db.Bus(), logger)
	if err != nil {
		logger.Warn("config reload watch unavailable", slog.String("error", err.Error()))
	} else {
		defer stopWatch()
	}

	logger.Info("daemon starting",
		slog.Int("pid", os.Getpid()),
		slog.String("config", cfgPath),
		slog.Bool("dry_run", flagDryRun),
		slog.String("version", version),
	)

	return engine.Run(ctx)
}

// dialDrive constructs the drive client. A dry run substitutes an in-memory
// drive so no remote call can ever leave the process.
func dialDrive(ctx context.Context, logger *slog.Logger) (drive.Client, error) {
	if flagDryRun {
		return drivetest.New(), nil
	}

	client, err := drive.Dial(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to drive: %w", err)
	}

	return client, nil
}

// watchConfigFile sends a refresh-dashboard signal whenever the config file
// is written, so the control plane reloads and re-registers watch roots.
func watchConfigFile(ctx context.Context, cfgPath string, bus *store.Bus, logger *slog.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}

	if err := watcher.Add(cfgPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", cfgPath, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}

				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}

				logger.Info("config file changed, requesting refresh",
					slog.String("path", ev.Name))

				if err := bus.SendSignal(ctx, store.SignalRefreshDashboard); err != nil {
					logger.Warn("sending refresh signal failed",
						slog.String("error", err.Error()))
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				logger.Warn("config watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

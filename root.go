package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MiMillieuh/proton-drive-sync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// Log rotation limits for the daemon log file.
const (
	logMaxSizeMB  = 10
	logMaxBackups = 3
)

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proton-drive-sync",
		Short: "One-way sync daemon mirroring local directories to Proton Drive",
		Long: `proton-drive-sync watches configured local directories and mirrors
every change into Proton Drive through a durable, retrying job queue.

The daemon subcommand runs in the foreground under a service manager;
pause, resume, stop and refresh control a running daemon through the
shared state database.`,
		Version: version,
		// Silence Cobra's default error/usage printing — main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newPauseCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// resolveConfigPath returns the --config override or the default path.
func resolveConfigPath() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}

	return config.DefaultConfigPath()
}

// logLevel resolves the effective level: CLI flags win over the config file.
func logLevel(cfg *config.Config) slog.Level {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelWarn
	}

	return level
}

// buildLogger creates the console logger: tint when stderr is a terminal,
// plain text otherwise.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := logLevel(cfg)

	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildDaemonLogger creates the daemon logger: the console handler plus a
// rotated JSON log file in the state directory.
func buildDaemonLogger(cfg *config.Config, stateDir string) *slog.Logger {
	level := logLevel(cfg)

	fileWriter := &lumberjack.Logger{
		Filename:   config.LogPath(stateDir),
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
	}

	fileHandler := slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{Level: level})

	var console slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		console = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	} else {
		console = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(fanoutHandler{console, fileHandler})
}

// fanoutHandler duplicates records to every wrapped handler.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error

	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}

		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}

	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}

	return out
}

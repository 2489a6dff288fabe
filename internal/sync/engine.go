package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	stdsync "sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/MiMillieuh/proton-drive-sync/internal/config"
	"github.com/MiMillieuh/proton-drive-sync/internal/drive"
	"github.com/MiMillieuh/proton-drive-sync/internal/store"
	"github.com/MiMillieuh/proton-drive-sync/internal/watchman"
)

// teardownTimeout bounds shutdown-time store writes and watchman requests.
const teardownTimeout = 5 * time.Second

// reconnectCap bounds the backoff between watchman reconnect attempts.
const reconnectCap = 30 * time.Second

// Engine assembles the change-source adapter, debouncer, executor and
// control plane over the shared store and the drive client, and supervises
// their lifecycle.
type Engine struct {
	cfgPath string
	db      *store.DB
	client  drive.Client
	logger  *slog.Logger
	dryRun  bool

	mu         stdsync.Mutex
	cfg        *config.Config
	normalizer *Normalizer

	adapter   *watchman.Adapter
	debouncer *Debouncer
	executor  *Executor
}

// NewEngine creates an Engine. cfgPath is re-read on refresh.
func NewEngine(cfgPath string, cfg *config.Config, db *store.DB, client drive.Client, dryRun bool, logger *slog.Logger) *Engine {
	return &Engine{
		cfgPath:    cfgPath,
		cfg:        cfg,
		db:         db,
		client:     client,
		logger:     logger,
		dryRun:     dryRun,
		normalizer: NewNormalizer(cfg.RemoteRoot),
	}
}

// connect locates the watchman socket (recording whether this daemon spawned
// the service), connects, and builds the component graph.
func (e *Engine) connect(ctx context.Context) (*watchman.Client, error) {
	bus := e.db.Bus()

	sock, spawned, err := watchman.Sockname(ctx)
	if err != nil {
		return nil, err
	}

	variant := store.VariantExisting
	if spawned {
		variant = store.VariantSpawned
	}

	if err := bus.SetFlag(ctx, store.FlagWatchmanRunning, variant); err != nil {
		return nil, err
	}

	client, err := watchman.Connect(ctx, sock, e.logger)
	if err != nil {
		return nil, err
	}

	version, err := client.Version(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}

	e.logger.Info("connected to watchman",
		slog.String("sockname", sock),
		slog.String("version", version),
		slog.String("instance", variant),
	)

	e.adapter = watchman.NewAdapter(client, e.db.Clocks(), e.currentConfig().SettleMS, e.logger)

	resolver := NewResolver(e.client, e.logger)
	remote := NewRemote(e.client, resolver, e.logger)
	e.executor = NewExecutor(e.db.Jobs(), bus, remote, e.dryRun, e.logger)
	e.debouncer = NewDebouncer(
		e.db.Jobs(), e.db.Clocks(),
		time.Duration(e.currentConfig().DebounceMS)*time.Millisecond,
		e.dryRun, e.executor.Wake, e.logger,
	)

	return client, nil
}

// handleBatch is the adapter's BatchHandler: normalize, buffer, note clock.
func (e *Engine) handleBatch(_ context.Context, batch watchman.Batch) error {
	e.mu.Lock()
	n := e.normalizer
	e.mu.Unlock()

	specs := n.NormalizeBatch(batch)

	e.debouncer.Add(specs)
	e.debouncer.NoteClock(batch.WatchRoot, batch.Clock)

	return nil
}

// RunOnce performs a one-shot sync: query all roots, flush synchronously,
// and process the queue to a fixed point.
func (e *Engine) RunOnce(ctx context.Context) error {
	roots, err := e.startup(ctx)
	if err != nil {
		return err
	}
	defer e.releaseRunning()

	client, err := e.connect(ctx)
	if err != nil {
		return err
	}
	defer e.disconnect(client)

	if err := e.adapter.QueryOnce(ctx, roots, e.handleBatch); err != nil {
		return err
	}

	// One-shot mode bypasses the debounce timer.
	if err := e.debouncer.Flush(ctx); err != nil {
		return err
	}

	if err := e.executor.ProcessAllPending(ctx); err != nil {
		return err
	}

	counts, err := e.db.Jobs().GetCounts(ctx)
	if err != nil {
		return err
	}

	e.logger.Info("one-shot sync complete",
		slog.Int("synced", counts.Synced),
		slog.Int("blocked", counts.Blocked),
	)

	return nil
}

// Run is daemon mode: subscribe to all roots and run the adapter, debouncer,
// executor and control plane until a stop signal or context cancellation.
// A lost watchman connection tears the session down and reconnects with
// capped exponential backoff. A consumed stop signal returns nil so the host
// service manager sees a clean exit and does not restart the daemon.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.startup(ctx); err != nil {
		return err
	}
	defer e.releaseRunning()

	backoff := retry.WithCappedDuration(reconnectCap, retry.NewExponential(time.Second))

	for {
		err := e.runSession(ctx)

		switch {
		case errors.Is(err, errStopRequested):
			e.logger.Info("stopped by control signal")
			return nil

		case err == nil:
			return nil

		case errors.Is(err, watchman.ErrClosed):
			delay, stop := backoff.Next()
			if stop {
				return err
			}

			e.logger.Warn("file-change service connection lost, reconnecting",
				slog.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}

		default:
			return err
		}
	}
}

// runSession runs one connected watchman session: subscribe every root, then
// supervise the adapter, debouncer, executor and control plane until one of
// them exits. The debounce buffer is drained before the session ends so no
// settled change is lost across a restart.
func (e *Engine) runSession(ctx context.Context) error {
	roots, err := e.currentConfig().WatchRoots()
	if err != nil {
		return err
	}

	if len(roots) == 0 {
		return errors.New("sync: no sync_dir configured")
	}

	client, err := e.connect(ctx)
	if err != nil {
		return err
	}
	defer e.disconnect(client)

	if err := e.adapter.Subscribe(ctx, roots); err != nil {
		return err
	}

	control := NewControlPlane(e.db.Bus(), e.refresh, e.logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.adapter.Run(gctx, e.handleBatch) })
	g.Go(func() error { return e.debouncer.Run(gctx) })
	g.Go(func() error { return e.executor.Run(gctx) })
	g.Go(func() error { return control.Run(gctx) })

	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if flushErr := e.debouncer.Flush(drainCtx); flushErr != nil {
		e.logger.Error("shutdown drain failed", slog.String("error", flushErr.Error()))
	}

	return err
}

// refresh is the control plane's refresh-dashboard hook: reload the config
// and re-register the watch roots. A broken config keeps the previous one.
func (e *Engine) refresh(ctx context.Context) error {
	cfg, err := config.Load(e.cfgPath)
	if err != nil {
		return fmt.Errorf("sync: reloading config: %w", err)
	}

	roots, err := cfg.WatchRoots()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.cfg = cfg
	e.normalizer = NewNormalizer(cfg.RemoteRoot)
	e.mu.Unlock()

	e.adapter.Teardown(ctx)

	if err := e.adapter.Subscribe(ctx, roots); err != nil {
		return err
	}

	e.logger.Info("configuration reloaded", slog.Int("watch_roots", len(roots)))

	return nil
}

// startup claims the RUNNING flag, recovers interrupted jobs, and resolves
// the watch roots.
func (e *Engine) startup(ctx context.Context) ([]string, error) {
	if err := e.db.Bus().AcquireRunning(ctx, os.Getpid()); err != nil {
		return nil, err
	}

	if _, err := e.db.Jobs().ResetProcessing(ctx); err != nil {
		return nil, err
	}

	roots, err := e.currentConfig().WatchRoots()
	if err != nil {
		return nil, err
	}

	if len(roots) == 0 {
		return nil, errors.New("sync: no sync_dir configured")
	}

	return roots, nil
}

func (e *Engine) currentConfig() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cfg
}

// disconnect tears down subscriptions, shuts down a watchman instance this
// daemon spawned, and clears the WATCHMAN_RUNNING flag.
func (e *Engine) disconnect(client *watchman.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	e.adapter.Teardown(ctx)

	variant, set, err := e.db.Bus().FlagData(ctx, store.FlagWatchmanRunning)
	if err == nil && set && variant == store.VariantSpawned {
		if err := client.ShutdownServer(ctx); err != nil {
			e.logger.Warn("watchman shutdown failed", slog.String("error", err.Error()))
		}
	}

	if err := e.db.Bus().ClearFlag(ctx, store.FlagWatchmanRunning); err != nil {
		e.logger.Warn("clearing watchman flag failed", slog.String("error", err.Error()))
	}

	client.Close()
}

func (e *Engine) releaseRunning() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := e.db.Bus().ReleaseRunning(ctx); err != nil {
		e.logger.Warn("clearing RUNNING flag failed", slog.String("error", err.Error()))
	}
}

package watchman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MiMillieuh/proton-drive-sync/internal/store"
)

// configFileName is the per-root service configuration file.
const configFileName = ".watchmanconfig"

// configFilePermissions for a freshly written .watchmanconfig.
const configFilePermissions = 0o644

// subscriptionPrefix namespaces this daemon's subscriptions.
const subscriptionPrefix = "proton-drive-sync:"

// Batch is a settled group of file changes for one watch root, handed to the
// normalizer.
type Batch struct {
	WatchRoot       string
	Clock           string
	Files           []FileRecord
	IsFreshInstance bool
}

// BatchHandler consumes a batch. Clock persistence is the consumer's
// responsibility: the clock must be written only after every event in the
// batch is durably enqueued, so a crash in between replays events that
// supersedure then absorbs.
type BatchHandler func(ctx context.Context, batch Batch) error

// registration tracks how a configured watch root maps onto the service's
// resolved watch, which may be an ancestor directory.
type registration struct {
	configuredRoot string
	watch          string
	relativeRoot   string
	subscription   string
}

// Adapter drives the stateful watchman session for all configured watch
// roots: registration, settle configuration, one-shot queries and
// subscriptions. It reads persisted clocks to resume queries but never
// writes them; see BatchHandler.
type Adapter struct {
	client   *Client
	clocks   *store.Clocks
	logger   *slog.Logger
	settleMS int

	mu   sync.Mutex
	subs map[string]*registration // subscription name → registration
}

// NewAdapter creates an Adapter over an established client connection.
func NewAdapter(client *Client, clocks *store.Clocks, settleMS int, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:   client,
		clocks:   clocks,
		logger:   logger,
		settleMS: settleMS,
		subs:     make(map[string]*registration),
	}
}

// register ensures the settle config exists, then registers the root with
// the service.
func (a *Adapter) register(ctx context.Context, root string) (*registration, error) {
	if err := a.ensureSettleConfig(root); err != nil {
		return nil, err
	}

	res, err := a.client.WatchProject(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("watchman: registering %s: %w", root, err)
	}

	a.logger.Debug("watch root registered",
		slog.String("root", root),
		slog.String("watch", res.Watch),
		slog.String("relative", res.RelativePath),
	)

	return &registration{
		configuredRoot: root,
		watch:          res.Watch,
		relativeRoot:   res.RelativePath,
		subscription:   subscriptionPrefix + root,
	}, nil
}

// ensureSettleConfig writes a .watchmanconfig with the settle interval into
// the watched directory unless one is already present. The service coalesces
// rapid bursts for settle milliseconds before notifying.
func (a *Adapter) ensureSettleConfig(root string) error {
	path := filepath.Join(root, configFileName)

	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("watchman: checking %s: %w", path, err)
	}

	body, err := json.Marshal(map[string]int{"settle": a.settleMS})
	if err != nil {
		return fmt.Errorf("watchman: encoding settle config: %w", err)
	}

	if err := os.WriteFile(path, append(body, '\n'), configFilePermissions); err != nil {
		return fmt.Errorf("watchman: writing %s: %w", path, err)
	}

	a.logger.Info("wrote settle config",
		slog.String("path", path),
		slog.Int("settle_ms", a.settleMS),
	)

	return nil
}

// buildQuery assembles the since query for a registration, resuming from the
// persisted clock when one exists.
func (a *Adapter) buildQuery(ctx context.Context, reg *registration) (Query, error) {
	clock, _, err := a.clocks.Get(ctx, reg.configuredRoot)
	if err != nil {
		return Query{}, err
	}

	return Query{
		Since:        clock,
		RelativeRoot: reg.relativeRoot,
		Fields:       QueryFields,
		Expression:   FilesAndDirs,
	}, nil
}

// QueryOnce runs a one-shot query for every watch root concurrently, handing
// each root's file list to the handler as a single batch. There is no
// cross-root ordering requirement.
func (a *Adapter) QueryOnce(ctx context.Context, roots []string, handler BatchHandler) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, root := range roots {
		g.Go(func() error {
			return a.queryRoot(ctx, root, handler)
		})
	}

	return g.Wait()
}

func (a *Adapter) queryRoot(ctx context.Context, root string, handler BatchHandler) error {
	reg, err := a.register(ctx, root)
	if err != nil {
		return err
	}

	q, err := a.buildQuery(ctx, reg)
	if err != nil {
		return err
	}

	res, err := a.client.RunQuery(ctx, reg.watch, q)
	if err != nil {
		return fmt.Errorf("watchman: querying %s: %w", root, err)
	}

	batch := Batch{
		WatchRoot:       root,
		Clock:           res.Clock,
		Files:           res.Files,
		IsFreshInstance: res.IsFreshInstance,
	}

	return handler(ctx, batch)
}

// Subscribe registers every watch root and publishes a named subscription
// for each. Events arrive via Run.
func (a *Adapter) Subscribe(ctx context.Context, roots []string) error {
	for _, root := range roots {
		reg, err := a.register(ctx, root)
		if err != nil {
			return err
		}

		q, err := a.buildQuery(ctx, reg)
		if err != nil {
			return err
		}

		if err := a.client.Subscribe(ctx, reg.watch, reg.subscription, q); err != nil {
			return fmt.Errorf("watchman: subscribing %s: %w", root, err)
		}

		a.mu.Lock()
		a.subs[reg.subscription] = reg
		a.mu.Unlock()

		a.logger.Info("subscribed to watch root", slog.String("root", root))
	}

	return nil
}

// Run consumes subscription events until the context is canceled or the
// connection drops. Events for unknown or since-removed subscriptions are
// logged and discarded. Each batch carries its clock to the handler; the
// adapter itself does not persist it.
func (a *Adapter) Run(ctx context.Context, handler BatchHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-a.client.Events():
			if !ok {
				return fmt.Errorf("watchman: event stream ended: %w", ErrClosed)
			}

			a.mu.Lock()
			reg := a.subs[ev.Subscription]
			a.mu.Unlock()

			if reg == nil {
				a.logger.Warn("event for unknown subscription, discarding",
					slog.String("subscription", ev.Subscription))
				continue
			}

			batch := Batch{
				WatchRoot:       reg.configuredRoot,
				Clock:           ev.Clock,
				Files:           ev.Files,
				IsFreshInstance: ev.IsFreshInstance,
			}

			if err := handler(ctx, batch); err != nil {
				a.logger.Error("batch handler failed, clock not advanced",
					slog.String("root", reg.configuredRoot),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Teardown unsubscribes every active subscription. Called during graceful
// shutdown and on config reload before re-registering roots.
func (a *Adapter) Teardown(ctx context.Context) {
	a.mu.Lock()
	regs := make([]*registration, 0, len(a.subs))

	for _, reg := range a.subs {
		regs = append(regs, reg)
	}

	a.subs = make(map[string]*registration)
	a.mu.Unlock()

	for _, reg := range regs {
		if err := a.client.Unsubscribe(ctx, reg.watch, reg.subscription); err != nil {
			a.logger.Warn("unsubscribe failed",
				slog.String("root", reg.configuredRoot),
				slog.String("error", err.Error()),
			)
		}
	}
}

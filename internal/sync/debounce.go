package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/MiMillieuh/proton-drive-sync/internal/store"
)

// Debouncer buffers normalized job specs per path and flushes them to the
// job store after a quiet period. Later events for the same path overwrite
// earlier ones, so a burst of N writes to one file enqueues a single job.
// MOVE specs never coalesce; they are flushed in arrival order.
//
// Watchman clocks ride along: a batch's clock is noted with its specs and
// persisted only after the flush enqueues everything, so a crash between
// enqueue and clock write replays events that supersedure then absorbs.
type Debouncer struct {
	jobs   *store.Jobs
	clocks *store.Clocks
	logger *slog.Logger
	window time.Duration
	dryRun bool

	mu      stdsync.Mutex
	buffer  map[string]bufferedSpec // local path → latest non-MOVE spec
	seq     int
	moves   []store.JobSpec
	clockBy map[string]string // watch root → latest unpersisted clock
	timer   *time.Timer
	pending bool

	// wake is poked after a flush so the executor re-checks the queue.
	wake func()
}

type bufferedSpec struct {
	spec store.JobSpec
	seq  int
}

// NewDebouncer creates a Debouncer flushing into jobs after window of
// inactivity. wake may be nil.
func NewDebouncer(jobs *store.Jobs, clocks *store.Clocks, window time.Duration, dryRun bool, wake func(), logger *slog.Logger) *Debouncer {
	d := &Debouncer{
		jobs:    jobs,
		clocks:  clocks,
		logger:  logger,
		window:  window,
		dryRun:  dryRun,
		buffer:  make(map[string]bufferedSpec),
		clockBy: make(map[string]string),
		wake:    wake,
	}

	d.timer = time.NewTimer(window)
	if !d.timer.Stop() {
		<-d.timer.C
	}

	return d
}

// Add buffers specs and restarts the quiet-period timer.
func (d *Debouncer) Add(specs []store.JobSpec) {
	if len(specs) == 0 {
		return
	}

	d.mu.Lock()

	for _, spec := range specs {
		if spec.EventType == store.EventMove {
			d.moves = append(d.moves, spec)
			continue
		}

		d.seq++
		d.buffer[spec.LocalPath] = bufferedSpec{spec: spec, seq: d.seq}
	}

	// Restart the timer: stop, drain, reset.
	if d.pending && !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}

	d.timer.Reset(d.window)
	d.pending = true

	d.mu.Unlock()
}

// NoteClock records the latest clock seen for a watch root. It is persisted
// at the next successful flush.
func (d *Debouncer) NoteClock(watchRoot, clock string) {
	d.mu.Lock()
	d.clockBy[watchRoot] = clock
	d.mu.Unlock()
}

// Run flushes the buffer whenever the quiet-period timer fires, until the
// context is canceled. The timer is cancellable from the control plane via
// context cancellation during shutdown.
func (d *Debouncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.timer.C:
			d.mu.Lock()
			d.pending = false
			d.mu.Unlock()

			if err := d.Flush(ctx); err != nil {
				return err
			}
		}
	}
}

// Flush synchronously enqueues all buffered specs. One-shot mode and the
// shutdown drain call this directly, bypassing the timer.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()

	specs := make([]store.JobSpec, 0, len(d.buffer)+len(d.moves))

	ordered := make([]bufferedSpec, 0, len(d.buffer))
	for _, b := range d.buffer {
		ordered = append(ordered, b)
	}

	// Enqueue in arrival order of each path's latest event.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].seq < ordered[j-1].seq; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	for _, b := range ordered {
		specs = append(specs, b.spec)
	}

	specs = append(specs, d.moves...)

	clockBy := d.clockBy

	d.buffer = make(map[string]bufferedSpec)
	d.moves = nil
	d.clockBy = make(map[string]string)
	d.mu.Unlock()

	for _, spec := range specs {
		if err := d.jobs.Enqueue(ctx, spec, d.dryRun); err != nil {
			return fmt.Errorf("sync: flushing debounce buffer: %w", err)
		}
	}

	// Clocks advance only after every event in the batch is durably queued.
	for root, clock := range clockBy {
		if err := d.clocks.Set(ctx, root, clock, d.dryRun); err != nil {
			return fmt.Errorf("sync: persisting clock for %s: %w", root, err)
		}
	}

	if len(specs) == 0 {
		return nil
	}

	d.logger.Debug("debounce buffer flushed", slog.Int("jobs", len(specs)))

	if d.wake != nil {
		d.wake()
	}

	return nil
}

// Len returns the number of buffered entries: one per path plus each
// buffered MOVE.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.buffer) + len(d.moves)
}

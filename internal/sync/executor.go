package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MiMillieuh/proton-drive-sync/internal/drive"
	"github.com/MiMillieuh/proton-drive-sync/internal/store"
)

const (
	// pausedPollInterval is how long the executor sleeps while PAUSED.
	pausedPollInterval = 500 * time.Millisecond
	// maxIdleSleep bounds the sleep when the queue is empty or the earliest
	// retry lies in the future.
	maxIdleSleep = time.Second
	// shutdownGrace is how long an in-flight job may run after the loop's
	// context is canceled before its own context is canceled too.
	shutdownGrace = 15 * time.Second
)

// Executor is the single cooperative loop that pulls ready jobs from the
// store, dispatches them to Remote, and records outcomes. There is no
// per-path locking: the store's supersedure guarantees at most one PENDING
// job per path, and the conditional-update claim makes it one winner.
type Executor struct {
	jobs   *store.Jobs
	bus    *store.Bus
	remote *Remote
	logger *slog.Logger
	dryRun bool

	wake chan struct{}
}

// NewExecutor creates an Executor.
func NewExecutor(jobs *store.Jobs, bus *store.Bus, remote *Remote, dryRun bool, logger *slog.Logger) *Executor {
	return &Executor{
		jobs:   jobs,
		bus:    bus,
		remote: remote,
		logger: logger,
		dryRun: dryRun,
		wake:   make(chan struct{}, 1),
	}
}

// Wake pokes the loop so it re-checks the queue immediately. Non-blocking.
func (e *Executor) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run executes jobs until the context is canceled. An in-flight job gets
// shutdownGrace to finish after cancellation; past that its upload is
// abandoned and the row stays PROCESSING for crash recovery on next start.
func (e *Executor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		paused, err := e.bus.HasFlag(ctx, store.FlagPaused)
		if err != nil {
			return err
		}

		if paused {
			e.sleep(ctx, pausedPollInterval)
			continue
		}

		job, err := e.jobs.NextPending(ctx)
		if err != nil {
			return err
		}

		if job == nil {
			e.idleSleep(ctx)
			continue
		}

		e.runJob(ctx, job)
	}
}

// ProcessAllPending executes ready jobs until none remain. One-shot mode
// calls this after the synchronous flush; tests use it to drive the queue to
// a fixed point.
func (e *Executor) ProcessAllPending(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := e.jobs.NextPending(ctx)
		if err != nil {
			return err
		}

		if job == nil {
			return nil
		}

		e.runJob(ctx, job)
	}
}

// runJob dispatches one claimed job and records its outcome.
func (e *Executor) runJob(ctx context.Context, job *store.Job) {
	jobCtx, cancel := graceContext(ctx, shutdownGrace)
	defer cancel()

	e.logger.Debug("executing job",
		slog.Int64("id", job.ID),
		slog.String("event_type", job.EventType),
		slog.String("remote_path", job.RemotePath),
		slog.Int("n_retries", job.NRetries),
	)

	err := e.dispatch(jobCtx, job)
	if err == nil {
		if markErr := e.jobs.MarkSynced(ctx, job.ID, e.dryRun); markErr != nil {
			e.logger.Error("marking job synced failed",
				slog.Int64("id", job.ID), slog.String("error", markErr.Error()))
		}

		return
	}

	// Shutting down mid-job: leave the row PROCESSING; startup recovery
	// resets it.
	if ctx.Err() != nil {
		e.logger.Warn("job interrupted by shutdown",
			slog.Int64("id", job.ID), slog.String("error", err.Error()))
		return
	}

	e.recordFailure(ctx, job, err)
}

// recordFailure applies the retry policy for a failed job.
func (e *Executor) recordFailure(ctx context.Context, job *store.Job, jobErr error) {
	kind := drive.Classify(jobErr)

	blocked := kind.Blocking() ||
		(kind == drive.KindAuthExpired && job.NRetries >= 1) ||
		job.NRetries >= store.MaxRetries

	if blocked {
		e.logger.Error("job blocked",
			slog.Int64("id", job.ID),
			slog.String("remote_path", job.RemotePath),
			slog.Int("n_retries", job.NRetries),
			slog.String("error", jobErr.Error()),
		)

		if err := e.jobs.MarkBlocked(ctx, job.ID, jobErr, e.dryRun); err != nil {
			e.logger.Error("marking job blocked failed",
				slog.Int64("id", job.ID), slog.String("error", err.Error()))
		}

		return
	}

	e.logger.Warn("job failed, retry scheduled",
		slog.Int64("id", job.ID),
		slog.String("remote_path", job.RemotePath),
		slog.Int("n_retries", job.NRetries),
		slog.String("error", jobErr.Error()),
	)

	if err := e.jobs.ScheduleRetry(ctx, job.ID, job.NRetries, jobErr, e.dryRun); err != nil {
		e.logger.Error("scheduling retry failed",
			slog.Int64("id", job.ID), slog.String("error", err.Error()))
	}
}

// dispatch routes a job to the matching remote operation.
func (e *Executor) dispatch(ctx context.Context, job *store.Job) error {
	switch job.EventType {
	case store.EventDelete:
		existed, err := e.remote.Delete(ctx, job.RemotePath)
		if err != nil {
			return err
		}

		if !existed {
			e.logger.Debug("delete target already absent",
				slog.String("remote_path", job.RemotePath))
		}

		return nil

	case store.EventCreate:
		return e.remote.CreateFolderPath(ctx, job.RemotePath)

	case store.EventUpdate:
		return e.remote.UploadFile(ctx, job.LocalPath, job.RemotePath)

	case store.EventMove:
		return e.remote.Move(ctx, job.OldRemotePath, job.RemotePath)

	default:
		return fmt.Errorf("sync: unknown event type %q for job %d", job.EventType, job.ID)
	}
}

// idleSleep waits until the earliest retry_at, bounded by maxIdleSleep, or
// until a wake-up is signaled.
func (e *Executor) idleSleep(ctx context.Context) {
	d := maxIdleSleep

	earliest, ok, err := e.jobs.EarliestRetryAt(ctx)
	if err == nil && ok {
		until := time.Until(time.UnixMilli(earliest))
		if until < d {
			d = until
		}
	}

	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-e.wake:
	case <-timer.C:
	}
}

// sleep waits for d or until the context is canceled.
func (e *Executor) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// graceContext returns a context that is canceled a grace period after
// parent is canceled, rather than immediately. It implements the graceful
// stop deadline: in-flight drive calls keep running for the grace period,
// then are abandoned.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	stop := context.AfterFunc(parent, func() {
		timer := time.AfterFunc(grace, cancel)
		// Tie the timer's lifetime to the child context so a completed job
		// releases it promptly.
		context.AfterFunc(ctx, func() { timer.Stop() })
	})

	return ctx, func() {
		stop()
		cancel()
	}
}

// errStopRequested is the sentinel the control plane returns to trigger a
// graceful engine shutdown.
var errStopRequested = errors.New("sync: stop requested")

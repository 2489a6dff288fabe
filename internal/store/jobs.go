package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Event types for sync jobs.
const (
	EventCreate = "CREATE"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventMove   = "MOVE"
)

// Job statuses. PROCESSING is transient: the executor flips a PENDING row to
// PROCESSING while it works on it, and crash recovery resets any leftovers.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusSynced     = "SYNCED"
	StatusBlocked    = "BLOCKED"
)

// Retry policy.
const (
	// RetryBase is the backoff base delay.
	RetryBase = time.Second
	// RetryMax caps the exponential backoff.
	RetryMax = 5 * time.Minute
	// MaxRetries is the number of retries before a job is BLOCKED.
	MaxRetries = 10
)

// Job is a persisted unit of intended remote mutation.
type Job struct {
	ID            int64
	EventType     string
	LocalPath     string
	RemotePath    string
	OldRemotePath string
	Status        string
	RetryAt       int64 // ms epoch
	NRetries      int
	LastError     string
	CreatedAt     int64 // ms epoch
}

// JobSpec describes a job to enqueue.
type JobSpec struct {
	EventType     string
	LocalPath     string
	RemotePath    string
	OldRemotePath string // MOVE only: previous remote path
}

// Counts summarizes the queue by status.
type Counts struct {
	Pending    int
	Processing int
	Synced     int
	Blocked    int
}

// Jobs is the durable queue of sync jobs. The executor is the sole mutator
// of status, retry_at, n_retries and last_error after creation.
type Jobs struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
	// jitterFunc returns a uniform value in [0, 1); injectable for
	// deterministic tests.
	jitterFunc func() float64
}

const jobColumns = `id, event_type, local_path, remote_path, old_remote_path,
	status, retry_at, n_retries, last_error, created_at`

// WithClock overrides the time and jitter sources. Deterministic tests
// inject fixed functions; production code keeps the defaults. Returns the
// receiver for chaining.
func (j *Jobs) WithClock(now func() time.Time, jitter func() float64) *Jobs {
	if now != nil {
		j.nowFunc = now
	}

	if jitter != nil {
		j.jitterFunc = jitter
	}

	return j
}

// Enqueue appends a PENDING job, applying the supersedure rules when a
// PENDING job already exists for the same local path:
//
//	DELETE + CREATE/UPDATE  → UPDATE (same row id)
//	CREATE/UPDATE + DELETE  → DELETE
//	CREATE/UPDATE + CREATE/UPDATE → UPDATE
//	DELETE + DELETE         → DELETE
//
// Retry fields are reset whenever a row is superseded. MOVE never coalesces
// with non-MOVE jobs; it is always inserted as a distinct row. A dry run
// performs no durable mutation.
func (j *Jobs) Enqueue(ctx context.Context, spec JobSpec, dryRun bool) error {
	if dryRun {
		return nil
	}

	now := j.nowFunc().UnixMilli()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin enqueue: %w", err)
	}
	defer tx.Rollback()

	if spec.EventType != EventMove {
		superseded, err := j.supersede(ctx, tx, spec, now)
		if err != nil {
			return err
		}

		if superseded {
			return commitEnqueue(tx)
		}
	}

	var oldPath sql.NullString
	if spec.OldRemotePath != "" {
		oldPath = sql.NullString{String: spec.OldRemotePath, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_jobs
			(event_type, local_path, remote_path, old_remote_path, status, retry_at, n_retries, created_at)
		 VALUES (?, ?, ?, ?, '`+StatusPending+`', ?, 0, ?)`,
		spec.EventType, spec.LocalPath, spec.RemotePath, oldPath, now, now)
	if err != nil {
		return fmt.Errorf("store: enqueue %s %s: %w", spec.EventType, spec.LocalPath, err)
	}

	return commitEnqueue(tx)
}

func commitEnqueue(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit enqueue: %w", err)
	}

	return nil
}

// supersede applies the coalescing rules against an existing PENDING non-MOVE
// row for the same local path. Returns true when an existing row absorbed the
// new event.
func (j *Jobs) supersede(ctx context.Context, tx *sql.Tx, spec JobSpec, now int64) (bool, error) {
	var (
		id       int64
		existing string
	)

	err := tx.QueryRowContext(ctx,
		`SELECT id, event_type FROM sync_jobs
		 WHERE local_path = ? AND status = '`+StatusPending+`' AND event_type != '`+EventMove+`'
		 ORDER BY id LIMIT 1`,
		spec.LocalPath).Scan(&id, &existing)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("store: finding pending job for %s: %w", spec.LocalPath, err)
	}

	merged := mergeEventTypes(existing, spec.EventType)

	_, err = tx.ExecContext(ctx,
		`UPDATE sync_jobs
		 SET event_type = ?, remote_path = ?, retry_at = ?, n_retries = 0, last_error = NULL
		 WHERE id = ?`,
		merged, spec.RemotePath, now, id)
	if err != nil {
		return false, fmt.Errorf("store: superseding job %d: %w", id, err)
	}

	j.logger.Debug("job superseded",
		slog.Int64("id", id),
		slog.String("existing", existing),
		slog.String("incoming", spec.EventType),
		slog.String("merged", merged),
	)

	return true, nil
}

// mergeEventTypes collapses an existing PENDING event with a new one.
func mergeEventTypes(existing, incoming string) string {
	if incoming == EventDelete {
		return EventDelete
	}

	// Incoming CREATE/UPDATE over anything (including DELETE) becomes UPDATE:
	// the upload path handles both new files and revisions.
	return EventUpdate
}

// NextPending claims the PENDING row with the smallest retry_at ≤ now,
// ordered by retry_at then id. Contention across threads is resolved by a
// conditional update flipping the row to PROCESSING; only the caller whose
// update affected one row wins. Returns nil when no job is ready.
func (j *Jobs) NextPending(ctx context.Context) (*Job, error) {
	for {
		now := j.nowFunc().UnixMilli()

		row := j.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM sync_jobs
			 WHERE status = '`+StatusPending+`' AND retry_at <= ?
			 ORDER BY retry_at, id LIMIT 1`, now)

		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		if err != nil {
			return nil, err
		}

		result, err := j.db.ExecContext(ctx,
			`UPDATE sync_jobs SET status = '`+StatusProcessing+`'
			 WHERE id = ? AND status = '`+StatusPending+`'`, job.ID)
		if err != nil {
			return nil, fmt.Errorf("store: claiming job %d: %w", job.ID, err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("store: claiming job %d rows affected: %w", job.ID, err)
		}

		if rows == 1 {
			job.Status = StatusProcessing
			return job, nil
		}

		// Another claimer won this row; select again.
	}
}

// MarkSynced transitions PROCESSING → SYNCED and clears last_error.
func (j *Jobs) MarkSynced(ctx context.Context, id int64, dryRun bool) error {
	if dryRun {
		return nil
	}

	return j.transition(ctx, id, StatusProcessing, StatusSynced,
		`last_error = NULL`)
}

// ScheduleRetry transitions PROCESSING → PENDING with exponential backoff:
// retry_at = now + min(base·2^n, max) + jitter, jitter uniform in
// [0, 0.5·delay). Increments n_retries and stores the error.
func (j *Jobs) ScheduleRetry(ctx context.Context, id int64, nRetries int, jobErr error, dryRun bool) error {
	if dryRun {
		return nil
	}

	delay := backoffDelay(nRetries)
	jitter := j.jitter()
	retryAt := j.nowFunc().Add(delay + time.Duration(jitter*float64(delay)/2)).UnixMilli()

	result, err := j.db.ExecContext(ctx,
		`UPDATE sync_jobs
		 SET status = '`+StatusPending+`', retry_at = ?, n_retries = ?, last_error = ?
		 WHERE id = ? AND status = '`+StatusProcessing+`'`,
		retryAt, nRetries+1, jobErr.Error(), id)
	if err != nil {
		return fmt.Errorf("store: scheduling retry for job %d: %w", id, err)
	}

	return requireOneRow(result, id, StatusProcessing, "schedule retry")
}

// MarkBlocked transitions PROCESSING → BLOCKED, storing the error. BLOCKED
// rows are never retried automatically; they require operator action.
func (j *Jobs) MarkBlocked(ctx context.Context, id int64, jobErr error, dryRun bool) error {
	if dryRun {
		return nil
	}

	result, err := j.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = '`+StatusBlocked+`', last_error = ?
		 WHERE id = ? AND status = '`+StatusProcessing+`'`,
		jobErr.Error(), id)
	if err != nil {
		return fmt.Errorf("store: blocking job %d: %w", id, err)
	}

	return requireOneRow(result, id, StatusProcessing, "mark blocked")
}

// transition performs a guarded status change with an extra SET clause.
func (j *Jobs) transition(ctx context.Context, id int64, from, to, extraSet string) error {
	result, err := j.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = '`+to+`', `+extraSet+`
		 WHERE id = ? AND status = '`+from+`'`, id)
	if err != nil {
		return fmt.Errorf("store: transitioning job %d to %s: %w", id, to, err)
	}

	return requireOneRow(result, id, from, "transition to "+to)
}

func requireOneRow(result sql.Result, id int64, expected, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s job %d rows affected: %w", op, id, err)
	}

	if rows == 0 {
		return fmt.Errorf("store: %s job %d: job not %s", op, id, expected)
	}

	return nil
}

// backoffDelay returns min(RetryBase·2^n, RetryMax).
func backoffDelay(nRetries int) time.Duration {
	delay := RetryBase
	for range nRetries {
		delay *= 2
		if delay >= RetryMax {
			return RetryMax
		}
	}

	return delay
}

func (j *Jobs) jitter() float64 {
	if j.jitterFunc != nil {
		return j.jitterFunc()
	}

	return rand.Float64()
}

// ResetProcessing resets any PROCESSING rows to PENDING with retry_at = now.
// Called at daemon startup: a PROCESSING row at that point means a crash
// mid-job, and the winner-takes-one claim makes re-execution safe.
func (j *Jobs) ResetProcessing(ctx context.Context) (int64, error) {
	result, err := j.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = '`+StatusPending+`', retry_at = ?
		 WHERE status = '`+StatusProcessing+`'`, j.nowFunc().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: resetting processing jobs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: resetting processing rows affected: %w", err)
	}

	if n > 0 {
		j.logger.Warn("reset interrupted jobs from previous run", slog.Int64("count", n))
	}

	return n, nil
}

// GetCounts returns the number of jobs per status.
func (j *Jobs) GetCounts(ctx context.Context) (Counts, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_jobs GROUP BY status`)
	if err != nil {
		return Counts{}, fmt.Errorf("store: counting jobs: %w", err)
	}
	defer rows.Close()

	var c Counts

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("store: scanning job counts: %w", err)
		}

		switch status {
		case StatusPending:
			c.Pending = n
		case StatusProcessing:
			c.Processing = n
		case StatusSynced:
			c.Synced = n
		case StatusBlocked:
			c.Blocked = n
		}
	}

	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("store: iterating job counts: %w", err)
	}

	return c, nil
}

// EarliestRetryAt returns the smallest retry_at among PENDING jobs, for the
// executor's sleep bound. The second return value is false when the queue
// has no PENDING rows.
func (j *Jobs) EarliestRetryAt(ctx context.Context) (int64, bool, error) {
	var retryAt sql.NullInt64

	err := j.db.QueryRowContext(ctx,
		`SELECT MIN(retry_at) FROM sync_jobs WHERE status = '`+StatusPending+`'`).Scan(&retryAt)
	if err != nil {
		return 0, false, fmt.Errorf("store: reading earliest retry: %w", err)
	}

	if !retryAt.Valid {
		return 0, false, nil
	}

	return retryAt.Int64, true, nil
}

// ListRecentSynced returns the most recently synced jobs, newest first.
func (j *Jobs) ListRecentSynced(ctx context.Context, limit int) ([]Job, error) {
	return j.list(ctx,
		`WHERE status = '`+StatusSynced+`' ORDER BY id DESC LIMIT ?`, limit)
}

// ListBlocked returns all BLOCKED jobs, oldest first.
func (j *Jobs) ListBlocked(ctx context.Context) ([]Job, error) {
	return j.list(ctx, `WHERE status = '`+StatusBlocked+`' ORDER BY id`)
}

// ListProcessing returns all PROCESSING jobs, oldest first.
func (j *Jobs) ListProcessing(ctx context.Context) ([]Job, error) {
	return j.list(ctx, `WHERE status = '`+StatusProcessing+`' ORDER BY id`)
}

func (j *Jobs) list(ctx context.Context, whereClause string, args ...any) ([]Job, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs `+whereClause, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating job rows: %w", err)
	}

	return jobs, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job       Job
		oldPath   sql.NullString
		lastError sql.NullString
	)

	err := row.Scan(
		&job.ID, &job.EventType, &job.LocalPath, &job.RemotePath, &oldPath,
		&job.Status, &job.RetryAt, &job.NRetries, &lastError, &job.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("store: scanning job row: %w", err)
	}

	job.OldRemotePath = oldPath.String
	job.LastError = lastError.String

	return &job, nil
}

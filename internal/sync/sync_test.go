package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/MiMillieuh/proton-drive-sync/internal/drive/drivetest"
	"github.com/MiMillieuh/proton-drive-sync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestDB(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), testLogger())
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

// fakeClock is a settable time source shared with the job store so backoff
// tests advance time instead of sleeping it out.
type fakeClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testRig bundles the component graph over an in-memory drive for executor
// and end-to-end tests.
type testRig struct {
	db       *store.DB
	jobs     *store.Jobs
	clock    *fakeClock
	client   *drivetest.Client
	resolver *Resolver
	remote   *Remote
	executor *Executor
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	db := newTestDB(t)
	clock := &fakeClock{now: time.Now()}
	jobs := db.Jobs().WithClock(clock.Now, func() float64 { return 0 })
	client := drivetest.New()
	resolver := NewResolver(client, testLogger())
	remote := NewRemote(client, resolver, testLogger())
	executor := NewExecutor(jobs, db.Bus(), remote, false, testLogger())

	return &testRig{
		db:       db,
		jobs:     jobs,
		clock:    clock,
		client:   client,
		resolver: resolver,
		remote:   remote,
		executor: executor,
	}
}

func (r *testRig) enqueue(t *testing.T, spec store.JobSpec) {
	t.Helper()

	if err := r.jobs.Enqueue(context.Background(), spec, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func (r *testRig) processAll(t *testing.T) {
	t.Helper()

	if err := r.executor.ProcessAllPending(context.Background()); err != nil {
		t.Fatalf("ProcessAllPending: %v", err)
	}
}

func (r *testRig) counts(t *testing.T) store.Counts {
	t.Helper()

	counts, err := r.jobs.GetCounts(context.Background())
	if err != nil {
		t.Fatalf("GetCounts: %v", err)
	}

	return counts
}

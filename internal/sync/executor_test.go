package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MiMillieuh/proton-drive-sync/internal/drive"
	"github.com/MiMillieuh/proton-drive-sync/internal/drive/drivetest"
	"github.com/MiMillieuh/proton-drive-sync/internal/store"
)

// drainWithRetries processes the queue to a fixed point, advancing the fake
// clock past scheduled retries between passes.
func drainWithRetries(t *testing.T, rig *testRig, maxPasses int) {
	t.Helper()

	for range maxPasses {
		rig.processAll(t)

		counts := rig.counts(t)
		if counts.Pending == 0 && counts.Processing == 0 {
			return
		}

		rig.clock.Advance(store.RetryMax)
	}

	t.Fatalf("queue did not drain after %d passes: %+v", maxPasses, rig.counts(t))
}

func TestExecutor_FreshFirstRun(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)

	watch := filepath.Join(t.TempDir(), "docs")

	if err := os.MkdirAll(filepath.Join(watch, "dir"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(watch, "a.txt"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(watch, "dir", "b.txt"), []byte("01234567890123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	rig.enqueue(t, store.JobSpec{
		EventType: store.EventCreate,
		LocalPath: filepath.Join(watch, "dir"), RemotePath: "sync/docs/dir",
	})
	rig.enqueue(t, store.JobSpec{
		EventType: store.EventUpdate,
		LocalPath: filepath.Join(watch, "a.txt"), RemotePath: "sync/docs/a.txt",
	})
	rig.enqueue(t, store.JobSpec{
		EventType: store.EventUpdate,
		LocalPath: filepath.Join(watch, "dir", "b.txt"), RemotePath: "sync/docs/dir/b.txt",
	})

	rig.processAll(t)

	counts := rig.counts(t)
	if counts.Synced != 3 || counts.Pending != 0 || counts.Processing != 0 || counts.Blocked != 0 {
		t.Fatalf("counts = %+v, want 3 synced", counts)
	}

	if node, ok := rig.client.NodeByPath("sync/docs/a.txt"); !ok || node.Size != 10 {
		t.Errorf("a.txt: ok=%v node=%+v", ok, node)
	}

	if node, ok := rig.client.NodeByPath("sync/docs/dir/b.txt"); !ok || node.Size != 20 {
		t.Errorf("dir/b.txt: ok=%v node=%+v", ok, node)
	}

	if _, ok := rig.client.NodeByPath("sync/docs/dir"); !ok {
		t.Error("dir folder missing")
	}

	if n := rig.client.AbandonedIterators(); n != 0 {
		t.Errorf("%d child iterators abandoned before exhaustion", n)
	}
}

func TestExecutor_DeleteMissingNodeSyncsFirstTry(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)

	rig.enqueue(t, store.JobSpec{
		EventType: store.EventDelete,
		LocalPath: "/w/x.txt", RemotePath: "sync/w/x.txt",
	})

	rig.processAll(t)

	if counts := rig.counts(t); counts.Synced != 1 {
		t.Fatalf("counts = %+v, want 1 synced on first attempt", counts)
	}
}

func TestExecutor_TransientFailureRetriesThenSyncs(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	local := writeLocalFile(t, "big.bin", []byte("payload"))

	// First upload attempt fails transiently.
	rig.client.UploadErr = drive.ErrNetworkTransient

	rig.enqueue(t, store.JobSpec{
		EventType: store.EventUpdate,
		LocalPath: local, RemotePath: "sync/big.bin",
	})

	rig.processAll(t)

	counts := rig.counts(t)
	if counts.Pending != 1 || counts.Synced != 0 {
		t.Fatalf("counts after failure = %+v, want 1 pending retry", counts)
	}

	// The retry is scheduled ~1s out, not immediately eligible.
	if job, err := rig.jobs.NextPending(context.Background()); err != nil || job != nil {
		t.Fatalf("job eligible before retry_at: %+v (err %v)", job, err)
	}

	drainWithRetries(t, rig, 3)

	if counts := rig.counts(t); counts.Synced != 1 {
		t.Fatalf("counts = %+v, want synced after retry", counts)
	}

	recent, err := rig.jobs.ListRecentSynced(context.Background(), 1)
	if err != nil || len(recent) != 1 {
		t.Fatalf("recent synced: %v %v", recent, err)
	}

	if recent[0].NRetries != 1 {
		t.Errorf("n_retries = %d, want 1", recent[0].NRetries)
	}
}

func TestExecutor_QuotaExceededBlocksImmediately(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	local := writeLocalFile(t, "big.bin", []byte("payload"))

	rig.client.UploadErr = drive.ErrQuotaExceeded

	rig.enqueue(t, store.JobSpec{
		EventType: store.EventUpdate,
		LocalPath: local, RemotePath: "sync/big.bin",
	})

	rig.processAll(t)

	counts := rig.counts(t)
	if counts.Blocked != 1 || counts.Pending != 0 {
		t.Fatalf("counts = %+v, want immediate block on quota", counts)
	}
}

func TestExecutor_NameConflictBlocksAfterMaxRetries(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	ctx := context.Background()

	syncUID := rig.client.MustAddFolder(drivetest.RootUID, "sync")
	rig.client.MustAddFile(syncUID, "a.txt", []byte("a"))
	rig.client.MustAddFile(syncUID, "b.txt", []byte("b"))

	rig.enqueue(t, store.JobSpec{
		EventType:     store.EventMove,
		LocalPath:     "/w/a.txt",
		RemotePath:    "sync/b.txt",
		OldRemotePath: "sync/a.txt",
	})

	attempts := 0

	for rig.counts(t).Blocked == 0 {
		if attempts > store.MaxRetries+1 {
			t.Fatalf("no block after %d attempts: %+v", attempts, rig.counts(t))
		}

		job, err := rig.jobs.NextPending(ctx)
		if err != nil {
			t.Fatalf("NextPending: %v", err)
		}

		if job == nil {
			rig.clock.Advance(store.RetryMax)
			continue
		}

		attempts++

		rig.executor.runJob(ctx, job)
	}

	// MAX_RETRIES retries after the first attempt.
	if want := store.MaxRetries + 1; attempts != want {
		t.Errorf("blocked after %d attempts, want %d", attempts, want)
	}

	blocked, err := rig.jobs.ListBlocked(ctx)
	if err != nil || len(blocked) != 1 {
		t.Fatalf("blocked rows: %v %v", blocked, err)
	}

	if !strings.Contains(blocked[0].LastError, "name conflict") {
		t.Errorf("last_error = %q, want a name conflict mention", blocked[0].LastError)
	}

	if blocked[0].NRetries != store.MaxRetries {
		t.Errorf("n_retries = %d, want %d", blocked[0].NRetries, store.MaxRetries)
	}

	// BLOCKED is terminal: nothing further is attempted.
	rig.clock.Advance(store.RetryMax)

	if job, _ := rig.jobs.NextPending(ctx); job != nil {
		t.Fatalf("got %+v after block, want nil", job)
	}
}

func TestExecutor_AuthExpiredRetriesOnceThenBlocks(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	ctx := context.Background()
	local := writeLocalFile(t, "a.txt", []byte("x"))

	rig.enqueue(t, store.JobSpec{
		EventType: store.EventUpdate,
		LocalPath: local, RemotePath: "sync/a.txt",
	})

	// First attempt: auth failure → retry scheduled.
	rig.client.UploadErr = drive.ErrAuthExpired

	job, err := rig.jobs.NextPending(ctx)
	if err != nil || job == nil {
		t.Fatalf("NextPending: %v %+v", err, job)
	}

	rig.executor.runJob(ctx, job)

	if counts := rig.counts(t); counts.Pending != 1 {
		t.Fatalf("counts = %+v, want one retry after first auth failure", counts)
	}

	// Second attempt: still failing → blocked.
	rig.client.UploadErr = drive.ErrAuthExpired

	rig.clock.Advance(store.RetryMax)

	job, err = rig.jobs.NextPending(ctx)
	if err != nil || job == nil {
		t.Fatalf("NextPending: %v %+v", err, job)
	}

	rig.executor.runJob(ctx, job)

	if counts := rig.counts(t); counts.Blocked != 1 {
		t.Fatalf("counts = %+v, want blocked after repeated auth failure", counts)
	}
}

func TestExecutor_PauseGatesProcessing(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rig.db.Bus().SetFlag(ctx, store.FlagPaused, ""); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	// Distinct local paths: jobs on one path would supersede each other.
	for _, name := range []string{"a", "b", "c"} {
		local := writeLocalFile(t, name+".txt", []byte("x"))

		rig.enqueue(t, store.JobSpec{
			EventType: store.EventUpdate,
			LocalPath: local, RemotePath: "sync/" + name + ".txt",
		})
	}

	done := make(chan error, 1)
	go func() { done <- rig.executor.Run(ctx) }()

	// While paused, nothing moves out of PENDING.
	time.Sleep(2 * pausedPollInterval)

	counts := rig.counts(t)
	if counts.Pending != 3 || counts.Processing != 0 {
		t.Fatalf("counts while paused = %+v, want 3 pending", counts)
	}

	if err := rig.db.Bus().ClearFlag(ctx, store.FlagPaused); err != nil {
		t.Fatalf("ClearFlag: %v", err)
	}

	deadline := time.After(5 * time.Second)

	for rig.counts(t).Synced != 3 {
		select {
		case <-deadline:
			t.Fatalf("jobs not synced after resume: %+v", rig.counts(t))
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("executor returned %v", err)
	}
}

func TestExecutor_CrashRecoveryConverges(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	ctx := context.Background()
	local := writeLocalFile(t, "a.txt", []byte("payload"))

	rig.enqueue(t, store.JobSpec{
		EventType: store.EventUpdate,
		LocalPath: local, RemotePath: "sync/a.txt",
	})

	// Simulate a crash mid-job: the row is claimed but never completed.
	job, err := rig.jobs.NextPending(ctx)
	if err != nil || job == nil {
		t.Fatalf("NextPending: %v %+v", err, job)
	}

	// "Restart": recovery resets PROCESSING rows, one pass finishes the work.
	n, err := rig.jobs.ResetProcessing(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResetProcessing: %v n=%d", err, n)
	}

	rig.processAll(t)

	counts := rig.counts(t)
	if counts.Synced != 1 || counts.Pending+counts.Processing != 0 {
		t.Fatalf("counts = %+v, want the same end state as no crash", counts)
	}

	if node, ok := rig.client.NodeByPath("sync/a.txt"); !ok || node.Size != 7 {
		t.Errorf("a.txt after recovery: ok=%v node=%+v", ok, node)
	}
}

package store

import (
	"context"
	"errors"
	"os"
	stdsync "sync"
	"testing"
)

func TestBus_FlagLifecycle(t *testing.T) {
	t.Parallel()

	bus := newTestDB(t).Bus()
	ctx := context.Background()

	set, err := bus.HasFlag(ctx, FlagPaused)
	if err != nil {
		t.Fatalf("HasFlag: %v", err)
	}

	if set {
		t.Fatal("PAUSED set before anyone set it")
	}

	if err := bus.SetFlag(ctx, FlagPaused, ""); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	set, _ = bus.HasFlag(ctx, FlagPaused)
	if !set {
		t.Fatal("PAUSED not visible after SetFlag")
	}

	if err := bus.ClearFlag(ctx, FlagPaused); err != nil {
		t.Fatalf("ClearFlag: %v", err)
	}

	set, _ = bus.HasFlag(ctx, FlagPaused)
	if set {
		t.Fatal("PAUSED still set after ClearFlag")
	}
}

func TestBus_FlagVariants(t *testing.T) {
	t.Parallel()

	bus := newTestDB(t).Bus()
	ctx := context.Background()

	if err := bus.SetFlag(ctx, FlagWatchmanRunning, VariantSpawned); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	variant, set, err := bus.FlagData(ctx, FlagWatchmanRunning)
	if err != nil {
		t.Fatalf("FlagData: %v", err)
	}

	if !set || variant != VariantSpawned {
		t.Fatalf("got %q (set=%v), want SPAWNED", variant, set)
	}

	// Clearing with a non-matching variant filter leaves the flag alone.
	if err := bus.ClearFlag(ctx, FlagWatchmanRunning, VariantExisting); err != nil {
		t.Fatalf("ClearFlag: %v", err)
	}

	if set, _ := bus.HasFlag(ctx, FlagWatchmanRunning); !set {
		t.Fatal("flag cleared despite variant mismatch")
	}

	if err := bus.ClearFlag(ctx, FlagWatchmanRunning, VariantSpawned); err != nil {
		t.Fatalf("ClearFlag: %v", err)
	}

	if set, _ := bus.HasFlag(ctx, FlagWatchmanRunning); set {
		t.Fatal("flag not cleared on variant match")
	}
}

func TestBus_SignalPeekAndConsume(t *testing.T) {
	t.Parallel()

	bus := newTestDB(t).Bus()
	ctx := context.Background()

	queued, err := bus.PeekSignal(ctx, SignalPauseSync)
	if err != nil {
		t.Fatalf("PeekSignal: %v", err)
	}

	if queued {
		t.Fatal("signal queued before send")
	}

	if err := bus.SendSignal(ctx, SignalPauseSync); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	queued, _ = bus.PeekSignal(ctx, SignalPauseSync)
	if !queued {
		t.Fatal("peek missed the queued signal")
	}

	// Peek is non-destructive.
	queued, _ = bus.PeekSignal(ctx, SignalPauseSync)
	if !queued {
		t.Fatal("peek consumed the signal")
	}

	taken, err := bus.ConsumeSignal(ctx, SignalPauseSync)
	if err != nil {
		t.Fatalf("ConsumeSignal: %v", err)
	}

	if !taken {
		t.Fatal("consume found nothing")
	}

	taken, _ = bus.ConsumeSignal(ctx, SignalPauseSync)
	if taken {
		t.Fatal("signal consumed twice")
	}
}

func TestBus_ConsumeSignalExactlyOnce(t *testing.T) {
	t.Parallel()

	bus := newTestDB(t).Bus()
	ctx := context.Background()

	if err := bus.SendSignal(ctx, SignalStop); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	const consumers = 8

	var (
		wg     stdsync.WaitGroup
		mu     stdsync.Mutex
		takers int
	)

	for range consumers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			taken, err := bus.ConsumeSignal(ctx, SignalStop)
			if err != nil {
				t.Errorf("ConsumeSignal: %v", err)
				return
			}

			if taken {
				mu.Lock()
				takers++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if takers != 1 {
		t.Fatalf("%d consumers took the signal, want exactly 1", takers)
	}
}

func TestBus_AcquireRunning(t *testing.T) {
	t.Parallel()

	bus := newTestDB(t).Bus()
	ctx := context.Background()

	if err := bus.AcquireRunning(ctx, os.Getpid()); err != nil {
		t.Fatalf("AcquireRunning: %v", err)
	}

	variant, set, err := bus.FlagData(ctx, FlagRunning)
	if err != nil || !set {
		t.Fatalf("FlagData: %v set=%v", err, set)
	}

	if variant == "" {
		t.Fatal("RUNNING flag carries no PID")
	}

	if err := bus.ReleaseRunning(ctx); err != nil {
		t.Fatalf("ReleaseRunning: %v", err)
	}

	if set, _ := bus.HasFlag(ctx, FlagRunning); set {
		t.Fatal("RUNNING still set after release")
	}
}

func TestBus_AcquireRunningRefusesLivePID(t *testing.T) {
	t.Parallel()

	bus := newTestDB(t).Bus()
	ctx := context.Background()

	// PID 1 is always alive.
	if err := bus.SetFlag(ctx, FlagRunning, "1"); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	err := bus.AcquireRunning(ctx, os.Getpid())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("got %v, want ErrAlreadyRunning", err)
	}
}

func TestBus_AcquireRunningReclaimsStalePID(t *testing.T) {
	t.Parallel()

	bus := newTestDB(t).Bus()
	ctx := context.Background()

	// An implausibly large PID that cannot be alive.
	if err := bus.SetFlag(ctx, FlagRunning, "999999999"); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	if err := bus.AcquireRunning(ctx, os.Getpid()); err != nil {
		t.Fatalf("AcquireRunning over stale PID: %v", err)
	}

	variant, _, _ := bus.FlagData(ctx, FlagRunning)
	if variant == "999999999" {
		t.Fatal("stale PID not replaced")
	}
}

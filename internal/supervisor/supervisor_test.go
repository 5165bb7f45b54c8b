package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/QusaiiSaleem/visionops/internal/clock"
	"github.com/QusaiiSaleem/visionops/internal/governor"
)

type fakeWorker struct{ stopped atomic.Bool }

func (w *fakeWorker) Stop() { w.stopped.Store(true) }

type fakeFlusher struct{ flushed atomic.Bool }

func (f *fakeFlusher) Flush(ctx context.Context) error {
	f.flushed.Store(true)
	return nil
}

type fakeCloser struct{ closed atomic.Bool }

func (c *fakeCloser) Close() error {
	c.closed.Store(true)
	return nil
}

func TestTriggerShutdownRunsOrderedSequence(t *testing.T) {
	worker := &fakeWorker{}
	flusher := &fakeFlusher{}
	closer := &fakeCloser{}

	sup := New(Config{
		CaptureWorkers:       []CaptureWorker{worker},
		Aggregator:           flusher,
		Store:                closer,
		ShutdownBudget:       50 * time.Millisecond,
		ReplicatorDrainGrace: time.Millisecond,
	})

	sup.Spawn("test-task", func(ctx context.Context) {
		<-ctx.Done()
	})

	go sup.TriggerShutdown()

	code := sup.Wait(context.Background())
	if code != ExitClean {
		t.Fatalf("expected ExitClean, got %v", code)
	}
	if !worker.stopped.Load() {
		t.Fatal("expected capture worker to be stopped")
	}
	if !flusher.flushed.Load() {
		t.Fatal("expected aggregator to be flushed")
	}
	if !closer.closed.Load() {
		t.Fatal("expected store to be closed")
	}
}

func TestContextCancelOutsideTriggersCleanShutdown(t *testing.T) {
	sup := New(Config{ShutdownBudget: 10 * time.Millisecond, ReplicatorDrainGrace: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := sup.Wait(ctx)
	if code != ExitClean {
		t.Fatalf("expected ExitClean, got %v", code)
	}
}

func TestWatchGovernorTriggersEmergencyShutdown(t *testing.T) {
	sup := New(Config{ShutdownBudget: 10 * time.Millisecond, ReplicatorDrainGrace: time.Millisecond})

	// A 90C reading is above CriticalTempC on every sample, so two
	// consecutive ticks drive the governor's own critical_shutdown
	// emission (governor.go's sampleOnce), which WatchGovernor relays
	// into an emergency exit.
	g := governor.New(governor.Config{
		Reader:   clock.StaticReader{TempC: 90, OK: true},
		Interval: time.Millisecond,
	})
	sup.WatchGovernor(g)

	sup.Spawn("governor", func(ctx context.Context) {
		g.Run(ctx)
	})

	code := sup.Wait(context.Background())
	if code != ExitGovernorEmergency {
		t.Fatalf("expected ExitGovernorEmergency, got %v", code)
	}
}

func TestSpawnRecoversPanicAndWritesPostMortem(t *testing.T) {
	dir := t.TempDir()
	sup := New(Config{
		ShutdownBudget:       10 * time.Millisecond,
		ReplicatorDrainGrace: time.Millisecond,
		PostMortemDir:        dir,
	})

	sup.Spawn("panicking-task", func(ctx context.Context) {
		panic("boom")
	})

	code := sup.Wait(context.Background())
	if code != ExitPanic {
		t.Fatalf("expected ExitPanic, got %v", code)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one post-mortem file, got %d", len(entries))
	}

	body, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var pm postMortem
	if err := json.Unmarshal(body, &pm); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if pm.Reason == "" || pm.Stack == "" {
		t.Fatal("expected post-mortem to carry a reason and a stack trace")
	}
}

func TestRecordEventTrimsToMaxEvents(t *testing.T) {
	sup := New(Config{MaxEvents: 3, ShutdownBudget: time.Millisecond, ReplicatorDrainGrace: time.Millisecond})
	for i := 0; i < 10; i++ {
		sup.RecordEvent("event %d", i)
	}
	events := sup.Events()
	if len(events) != 3 {
		t.Fatalf("expected ring trimmed to 3 events, got %d", len(events))
	}
}

func TestStartScheduledRestartRejectsInvalidCron(t *testing.T) {
	sup := New(Config{RestartSchedule: "not a cron expression"})
	if err := sup.StartScheduledRestart(); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

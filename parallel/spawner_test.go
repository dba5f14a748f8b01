package parallel

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/wasm-parallel/errors"
)

func TestSpawner_IDsAndJoin(t *testing.T) {
	ctx := context.Background()
	inv := &fakeInvoker{trapAt: map[uint32]bool{7: true}}
	s := NewSpawner(inv, SpawnerConfig{})

	id1, err := s.Spawn(ctx, entryHandle, 42)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	id2, err := s.Spawn(ctx, entryHandle, 7)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if id1 != 1 || id2 != 2 {
		t.Fatalf("ids = %d, %d; want 1, 2", id1, id2)
	}

	if err := s.Join(ctx, id1); err != nil {
		t.Errorf("Join(%d) = %v", id1, err)
	}
	if err := s.Join(ctx, id2); errors.KindOf(err) != errors.KindTrap {
		t.Errorf("Join(%d) = %v, want trap", id2, err)
	}
	if err := s.Join(ctx, id2); err != nil {
		t.Errorf("second Join(%d) = %v, trap must be reported once", id2, err)
	}
	if err := s.Join(ctx, 99); errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("Join(99) = %v", err)
	}
	if s.Spawned() != 2 {
		t.Errorf("Spawned() = %d", s.Spawned())
	}
}

func TestSpawner_DoesNotWait(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	inv := &fakeInvoker{release: release}
	s := NewSpawner(inv, SpawnerConfig{})

	id, err := s.Spawn(ctx, entryHandle, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Live() != 1 {
		t.Errorf("Live() = %d, want 1", s.Live())
	}

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := s.Join(short, id); err != context.DeadlineExceeded {
		t.Errorf("Join before release = %v", err)
	}

	close(release)
	if err := s.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Live() != 0 || inv.count() != 1 {
		t.Errorf("Live() = %d, calls = %d", s.Live(), inv.count())
	}
}

func TestSpawner_CallerCancelDoesNotReachThread(t *testing.T) {
	release := make(chan struct{})
	inv := &fakeInvoker{release: release}
	s := NewSpawner(inv, SpawnerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	id, err := s.Spawn(ctx, entryHandle, 3)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	close(release)
	if err := s.Join(context.Background(), id); err != nil {
		t.Fatalf("Join = %v", err)
	}
}

func TestSpawner_Budget(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	budget := NewBudget(1)
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSpawner(&fakeInvoker{release: release}, SpawnerConfig{Budget: budget, Metrics: m})

	if _, err := s.Spawn(ctx, entryHandle, 0); err != nil {
		t.Fatal(err)
	}
	_, err = s.Spawn(ctx, entryHandle, 0)
	if StatusOf(err) != StatusResourceExhausted {
		t.Fatalf("second spawn status = %v (err %v)", StatusOf(err), err)
	}
	if got := testutil.ToFloat64(m.threadsLive); got != 1 {
		t.Errorf("threads_live = %v", got)
	}
	if got := testutil.ToFloat64(m.spawnFailures.WithLabelValues(StatusResourceExhausted.String())); got != 1 {
		t.Errorf("spawn failures = %v", got)
	}

	close(release)
	if err := s.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if budget.InUse() != 0 {
		t.Errorf("budget slot not returned: %d", budget.InUse())
	}
	if _, err := s.Spawn(ctx, entryHandle, 0); err != nil {
		t.Errorf("spawn after release: %v", err)
	}
	_ = s.Wait(ctx)
}

func TestSpawner_RejectsWrongSignature(t *testing.T) {
	inv := &fakeInvoker{}
	s := NewSpawner(inv, SpawnerConfig{})
	if _, err := s.Spawn(context.Background(), kernelHandle, 0); StatusOf(err) != StatusInvalidKernel {
		t.Fatalf("Spawn(kernel) = %v", err)
	}
	if inv.count() != 0 {
		t.Error("entry invoked despite signature mismatch")
	}
}

func TestSpawner_Close(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	s := NewSpawner(&fakeInvoker{release: release}, SpawnerConfig{})
	if _, err := s.Spawn(ctx, entryHandle, 0); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := s.Close(short); err != context.DeadlineExceeded {
		t.Fatalf("Close with running thread = %v", err)
	}
	if _, err := s.Spawn(ctx, entryHandle, 0); StatusOf(err) != StatusNotReady {
		t.Fatalf("Spawn after Close = %v", err)
	}

	close(release)
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close = %v", err)
	}
}

func TestSpawner_LogsTraps(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := NewSpawner(&fakeInvoker{trapAt: map[uint32]bool{1: true}}, SpawnerConfig{Logger: zap.New(core)})

	id, err := s.Spawn(context.Background(), entryHandle, 1)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Join(context.Background(), id)

	entries := logs.FilterMessage("thread trapped").All()
	if len(entries) != 1 {
		t.Fatalf("trap logs = %d", len(entries))
	}
	if got := entries[0].ContextMap()["id"]; got != uint32(id) {
		t.Errorf("id field = %v (%T)", got, got)
	}
}

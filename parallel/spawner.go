package parallel

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/kernel"
)

// SpawnerConfig configures a Spawner.
type SpawnerConfig struct {
	// Budget is shared with the scheduler; nil means unbounded.
	Budget  *Budget
	Metrics *Metrics
	Logger  *zap.Logger
}

// Spawner starts free-running guest threads. Each thread is a goroutine
// calling one entry function on the shared instance with its context value.
type Spawner struct {
	invoker Invoker
	budget  *Budget
	metrics *Metrics
	log     *zap.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	threads map[uint32]*thread
	nextID  atomic.Uint32
	live    atomic.Int32
	closed  bool
}

type thread struct {
	err  error
	done chan struct{}
}

// NewSpawner creates a spawner that calls entries through inv.
func NewSpawner(inv Invoker, cfg SpawnerConfig) *Spawner {
	return &Spawner{
		invoker: inv,
		budget:  cfg.Budget,
		metrics: cfg.Metrics,
		log:     orDefault(cfg.Logger),
		threads: make(map[uint32]*thread),
	}
}

// Spawn starts entry with arg on a new thread and returns its id. Ids start
// at 1. Spawn never waits for the thread and never reports its trap; use
// Join for that.
func (s *Spawner) Spawn(ctx context.Context, entry kernel.Handle, arg uint32) (uint32, error) {
	id, err := s.spawn(ctx, entry, arg)
	if err != nil {
		s.metrics.spawnFailed(StatusOf(err))
		s.log.Warn("thread spawn failed", zap.Stringer("entry", entry), zap.Error(err))
	}
	return id, err
}

func (s *Spawner) spawn(ctx context.Context, entry kernel.Handle, arg uint32) (uint32, error) {
	if !entry.Signature.Equal(kernel.SpawnSignature) {
		return 0, errors.SignatureMismatch(errors.PhaseSpawn, entry.String(), entry.Signature.String(), kernel.SpawnSignature.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.Closed(errors.PhaseSpawn, "spawner")
	}
	if s.budget.TryAcquire(1) == 0 {
		return 0, errors.ResourceExhausted(errors.PhaseSpawn, "thread budget exhausted")
	}

	id := s.nextID.Add(1)
	t := &thread{done: make(chan struct{})}
	s.threads[id] = t
	s.wg.Add(1)
	s.live.Add(1)
	s.metrics.threadStarted()

	go s.run(context.WithoutCancel(ctx), id, t, entry, arg)

	s.log.Debug("thread spawned", zap.Uint32("id", id), zap.Stringer("entry", entry), zap.Uint32("arg", arg))
	return id, nil
}

func (s *Spawner) run(ctx context.Context, id uint32, t *thread, entry kernel.Handle, arg uint32) {
	defer s.wg.Done()
	defer s.budget.Release(1)

	err := invoke(ctx, s.invoker, entry, arg)

	s.live.Add(-1)
	s.metrics.threadEnded(err != nil)
	if err != nil {
		s.log.Warn("thread trapped", zap.Uint32("id", id), zap.Stringer("entry", entry), zap.Error(err))
	}

	s.mu.Lock()
	t.err = err
	if err == nil {
		// Successful threads leave nothing to join; only traps are kept.
		delete(s.threads, id)
	}
	s.mu.Unlock()
	close(t.done)
}

// Join waits for thread id and returns its trap, if any. A trap is reported
// to one Join only.
func (s *Spawner) Join(ctx context.Context, id uint32) error {
	s.mu.Lock()
	t, ok := s.threads[id]
	s.mu.Unlock()
	if !ok {
		if id == 0 || id > s.nextID.Load() {
			return errors.New(errors.PhaseSpawn, errors.KindNotFound).
				Value(id).
				Detail("no thread %d", id).
				Build()
		}
		return nil
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, id)
	return t.err
}

// Wait blocks until every spawned thread has returned.
func (s *Spawner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Live returns the number of running threads.
func (s *Spawner) Live() int { return int(s.live.Load()) }

// Spawned returns the number of threads started so far.
func (s *Spawner) Spawned() uint32 { return s.nextID.Load() }

// Close rejects further spawns and waits for running threads. If ctx ends
// first the spawner stays closed and the error is returned.
func (s *Spawner) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Wait(ctx)
}

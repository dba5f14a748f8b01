package parallel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	wasmparallel "github.com/wippyai/wasm-parallel"
	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/kernel"
	"github.com/wippyai/wasm-parallel/memory"
)

// Partition outcomes as reported to metrics.
const (
	outcomeOK      = "ok"
	outcomeTrap    = "trap"
	outcomeSkipped = "skipped"
	outcomeClosed  = "closed"
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Concurrency sizes the pool when MaxWorkers is zero.
	Concurrency ConcurrencyQuery
	// Budget is shared with the spawner; nil means unbounded.
	Budget *Budget
	// Memory, when set, is used to re-check descriptors right before
	// dispatch.
	Memory  wasmparallel.MemorySizer
	Metrics *Metrics
	Logger  *zap.Logger
	// MaxWorkers caps the pool; zero uses Concurrency.
	MaxWorkers int
	// AbortOnTrap skips partitions that have not started once any
	// partition traps.
	AbortOnTrap bool
	// Sequential runs partitions one after another on the calling
	// goroutine, in ascending order, using a single budget slot.
	Sequential bool
}

// Scheduler runs one kernel over a partitioned iteration space on a bounded
// pool and joins every invocation before returning.
type Scheduler struct {
	invoker     Invoker
	concurrency ConcurrencyQuery
	budget      *Budget
	mem         wasmparallel.MemorySizer
	metrics     *Metrics
	log         *zap.Logger
	maxWorkers  int
	abortOnTrap bool
	sequential  bool
}

// NewScheduler creates a scheduler that calls kernels through inv.
func NewScheduler(inv Invoker, cfg SchedulerConfig) *Scheduler {
	cq := cfg.Concurrency
	if cq == nil {
		cq = HostConcurrency{}
	}
	return &Scheduler{
		invoker:     inv,
		concurrency: cq,
		budget:      cfg.Budget,
		mem:         cfg.Memory,
		metrics:     cfg.Metrics,
		log:         orDefault(cfg.Logger),
		maxWorkers:  cfg.MaxWorkers,
		abortOnTrap: cfg.AbortOnTrap,
		sequential:  cfg.Sequential,
	}
}

// Request is one parallel_for call.
type Request struct {
	// Invoker overrides the scheduler's invoker for this call. Kernel
	// modules use it to run on their own instances.
	Invoker    Invoker
	Kernel     kernel.Handle
	In         memory.BufferSet
	Out        memory.BufferSet
	Iterations uint32
	BlockSize  uint32
}

// Result summarizes a completed call.
type Result struct {
	Partitions int
	Workers    int
	Trapped    int
	Skipped    int
	// Closed counts partitions that found the instance closed.
	Closed     int
}

// ParallelFor validates req, invokes the kernel once per partition with
// (start, count, in_ptr[, out_ptr]) and waits for all of them. Validation
// failures return before any kernel runs. Traps are reported together as
// one KindTrap error carrying the first few causes; unless AbortOnTrap is
// set, the remaining partitions still run. A partition that finds the
// instance closed stops dispatch and the call fails with KindClosed.
func (s *Scheduler) ParallelFor(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := s.parallelFor(ctx, req)
	status := StatusOf(err)
	s.metrics.call(status, time.Since(start))
	if err != nil {
		s.log.Warn("parallel_for failed",
			zap.Stringer("kernel", req.Kernel),
			zap.Uint32("iterations", req.Iterations),
			zap.Uint32("block_size", req.BlockSize),
			zap.Stringer("status", status),
			zap.Error(err))
	}
	return res, err
}

func (s *Scheduler) validate(req Request) error {
	if req.BlockSize == 0 {
		return errors.New(errors.PhaseValidate, errors.KindInvalidInput).
			Path("block_size").
			Value(req.BlockSize).
			Detail("block size must be positive").
			Build()
	}
	sig := req.Kernel.Signature
	if !sig.Equal(kernel.KernelSignature) && !sig.Equal(kernel.KernelOutSignature) {
		return errors.SignatureMismatch(errors.PhaseValidate, req.Kernel.String(), sig.String(),
			kernel.KernelSignature.String()+" or "+kernel.KernelOutSignature.String())
	}
	if s.mem != nil {
		size := s.mem.Size()
		if err := req.In.Validate("in_buffers", size); err != nil {
			return err
		}
		if err := req.Out.Validate("out_buffers", size); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) parallelFor(ctx context.Context, req Request) (Result, error) {
	if err := s.validate(req); err != nil {
		return Result{}, err
	}

	n := NumPartitions(req.Iterations, req.BlockSize)
	if n == 0 {
		return Result{}, nil
	}

	workers := 1
	if !s.sequential {
		workers = s.maxWorkers
		if workers <= 0 {
			workers = int(s.concurrency.Concurrency())
		}
		if uint32(workers) > n {
			workers = int(n)
		}
	}
	got := s.budget.TryAcquire(workers)
	if got == 0 {
		return Result{}, errors.ResourceExhausted(errors.PhaseDispatch, "no worker slots available")
	}
	defer s.budget.Release(got)
	if got < workers {
		s.log.Debug("running with reduced pool", zap.Int("wanted", workers), zap.Int("got", got))
	}

	inv := s.invoker
	if req.Invoker != nil {
		inv = req.Invoker
	}
	args := func(p Partition) []uint32 {
		if req.Kernel.Arity() == 4 {
			return []uint32{p.Start, p.Count, req.In.Addr, req.Out.Addr}
		}
		return []uint32{p.Start, p.Count, req.In.Addr}
	}

	s.log.Debug("parallel_for dispatch",
		zap.Stringer("kernel", req.Kernel),
		zap.Uint32("partitions", n),
		zap.Int("workers", got),
		zap.Bool("sequential", s.sequential))

	var (
		g       errgroup.Group
		tr      trapRecorder
		stopped atomic.Bool
		trapped atomic.Int32
		skipped atomic.Int32
		closed  atomic.Int32
	)
	g.SetLimit(got)

	stop := func() bool {
		return stopped.Load() || (s.abortOnTrap && trapped.Load() > 0)
	}
	run := func(p Partition) {
		if stop() {
			skipped.Add(1)
			s.metrics.partition(outcomeSkipped, 1)
			return
		}
		err := invoke(ctx, inv, req.Kernel, args(p)...)
		switch kind := errors.KindOf(err); {
		case err == nil:
			s.metrics.partition(outcomeOK, 1)
		case kind == errors.KindClosed || kind == errors.KindNotInitialized:
			stopped.Store(true)
			closed.Add(1)
			s.metrics.partition(outcomeClosed, 1)
			tr.closed(err)
		default:
			trapped.Add(1)
			s.metrics.partition(outcomeTrap, 1)
			tr.trap(p, err)
		}
	}

	for i := uint32(0); i < n; i++ {
		if stop() {
			skipped.Add(int32(n - i))
			s.metrics.partition(outcomeSkipped, int(n-i))
			break
		}
		p := PartitionAt(req.Iterations, req.BlockSize, i)
		if s.sequential {
			run(p)
			continue
		}
		g.Go(func() error {
			run(p)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Partitions: int(n),
		Workers:    got,
		Trapped:    int(trapped.Load()),
		Skipped:    int(skipped.Load()),
		Closed:     int(closed.Load()),
	}
	return res, tr.err(res)
}

// maxTrapCauses bounds how many partition errors one call keeps.
const maxTrapCauses = 8

// trapRecorder collects partition failures. Only the first maxTrapCauses
// traps are kept; the rest are counted in Result.
type trapRecorder struct {
	mu        sync.Mutex
	traps     error
	kept      int
	closedErr error
}

func (r *trapRecorder) trap(p Partition, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kept >= maxTrapCauses {
		return
	}
	r.kept++
	r.traps = multierr.Append(r.traps, errors.New(errors.PhaseExecute, errors.KindTrap).
		Cause(err).
		Detail("partition [%d, %d)", p.Start, p.End()).
		Build())
}

func (r *trapRecorder) closed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closedErr == nil {
		r.closedErr = err
	}
}

// err builds the call's error. An instance closing under the call wins over
// traps because the remaining partitions could not run.
func (r *trapRecorder) err(res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closedErr != nil {
		return errors.New(errors.PhaseDispatch, errors.KindClosed).
			Cause(r.closedErr).
			Detail("instance closed under the call; %d of %d partitions did not run", res.Skipped+res.Closed, res.Partitions).
			Build()
	}
	if r.traps == nil {
		return nil
	}
	detail := fmt.Sprintf("%d of %d partitions trapped", res.Trapped, res.Partitions)
	if res.Trapped > r.kept {
		detail += fmt.Sprintf(" (first %d shown)", r.kept)
	}
	return errors.New(errors.PhaseExecute, errors.KindTrap).
		Cause(r.traps).
		Detail("%s", detail).
		Build()
}

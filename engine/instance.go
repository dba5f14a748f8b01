package engine

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/internal/wasmbin"
	"github.com/wippyai/wasm-parallel/kernel"
	"github.com/wippyai/wasm-parallel/memory"
	"github.com/wippyai/wasm-parallel/parallel"
)

// DefaultInstanceName is the module name guests are instantiated under.
const DefaultInstanceName = "guest"

// InstanceConfig holds configuration for module instantiation
type InstanceConfig struct {
	Stdout io.Writer
	Stderr io.Writer
	Name   string
	Args   []string
}

// Instance is one running guest. It owns a wazero runtime holding the host
// module, an optional memory provider, the guest and its table dispatcher.
// Spawned threads and parallel_for partitions call into the same guest, so
// they share its memory and function table.
type Instance struct {
	engine    *Engine
	module    *Module
	runtime   wazero.Runtime
	guest     api.Module
	region    *memory.Region
	invoker   *kernel.Invoker
	spawner   *parallel.Spawner
	scheduler *parallel.Scheduler
	log       *zap.Logger
	name      string
	ready     atomic.Bool
	kernelSeq atomic.Uint32
	closeOnce sync.Once
	closeErr  error
	closeMu   sync.Mutex

	// gateMu orders inflight.Add against Close flipping ready.
	gateMu   sync.Mutex
	inflight sync.WaitGroup
}

// Instantiate creates a new instance of the module.
func (m *Module) Instantiate(ctx context.Context, cfg *InstanceConfig) (*Instance, error) {
	var c InstanceConfig
	if cfg != nil {
		c = *cfg
	}
	if c.Name == "" {
		c.Name = DefaultInstanceName
	}

	e := m.engine
	inst := &Instance{
		engine:  e,
		module:  m,
		name:    c.Name,
		runtime: wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig()),
		log:     e.log.With(zap.String("instance", c.Name)),
	}
	if err := inst.setup(ctx, c); err != nil {
		_ = inst.runtime.Close(ctx)
		return nil, err
	}
	inst.ready.Store(true)

	if inst.guest.ExportedFunction("_initialize") != nil {
		if _, err := inst.Call(ctx, "_initialize"); err != nil {
			_ = inst.Close(ctx)
			return nil, errors.Instantiation("guest _initialize", err)
		}
	}

	inst.log.Debug("instance ready",
		zap.Bool("dispatcher", inst.invoker != nil),
		zap.Uint32("memory_pages", inst.pages()))
	return inst, nil
}

func (inst *Instance) setup(ctx context.Context, c InstanceConfig) error {
	e, m, rt := inst.engine, inst.module, inst.runtime

	if e.cfg.EnableWASI {
		if _, err := instantiateWASI(ctx, rt); err != nil {
			return errors.Instantiation(WASIModuleName, err)
		}
	}
	if err := inst.registerHost(ctx, rt); err != nil {
		return err
	}
	if m.memImport != nil {
		if err := instantiateMemoryProvider(ctx, rt, *m.memImport); err != nil {
			return err
		}
	}

	compiled, err := rt.CompileModule(ctx, m.bin)
	if err != nil {
		return errors.Load("compile module", err)
	}
	mc := wazero.NewModuleConfig().
		WithName(c.Name).
		WithStartFunctions().
		WithArgs(c.Args...)
	if c.Stdout != nil {
		mc = mc.WithStdout(c.Stdout)
	}
	if c.Stderr != nil {
		mc = mc.WithStderr(c.Stderr)
	}
	guest, err := rt.InstantiateModule(ctx, compiled, mc)
	if err != nil {
		return errors.Instantiation(c.Name, err)
	}
	inst.guest = guest

	if mem := guest.Memory(); mem != nil {
		inst.region = memory.NewRegion(mem, m.memType.Shared)
	}

	var dispatcher api.Module
	dbin, err := kernel.BuildDispatcher(c.Name, m.resolver.Table())
	if err != nil {
		return errors.Instantiation("dispatcher", err)
	}
	if dbin != nil {
		dispatcher, err = rt.InstantiateWithConfig(ctx, dbin, wazero.NewModuleConfig().WithName(kernel.DispatcherName(c.Name)))
		if err != nil {
			return errors.Instantiation("dispatcher", err)
		}
	}

	inst.invoker = kernel.NewInvoker(guest, dispatcher)
	inst.spawner = parallel.NewSpawner(inst.invoker, parallel.SpawnerConfig{
		Budget:  e.budget,
		Metrics: e.cfg.Metrics,
		Logger:  inst.log,
	})
	sc := parallel.SchedulerConfig{
		Concurrency: e.concurrency,
		Budget:      e.budget,
		Metrics:     e.cfg.Metrics,
		Logger:      inst.log,
		MaxWorkers:  e.cfg.MaxWorkers,
		AbortOnTrap: e.cfg.AbortOnTrap,
		Sequential:  e.cfg.Sequential,
	}
	if inst.region != nil {
		sc.Memory = inst.region
	}
	inst.scheduler = parallel.NewScheduler(inst.invoker, sc)
	return nil
}

// instantiateMemoryProvider satisfies an imported memory with a module that
// defines and exports a memory of the same type.
func instantiateMemoryProvider(ctx context.Context, rt wazero.Runtime, imp wasmbin.Import) error {
	b := wasmbin.NewBuilder()
	mem := b.AddMemory(imp.Memory)
	b.Export(imp.Name, wasmbin.ExternMemory, mem)
	bin, err := b.Build()
	if err != nil {
		return errors.Instantiation("memory provider", err)
	}
	if _, err := rt.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithName(imp.Module)); err != nil {
		return errors.Instantiation("memory provider "+imp.Module+"."+imp.Name, err)
	}
	return nil
}

func (inst *Instance) pages() uint32 {
	if inst.region == nil {
		return 0
	}
	return inst.region.Pages()
}

// Name returns the module name of the guest.
func (inst *Instance) Name() string { return inst.name }

// Guest returns the wazero module of the guest.
func (inst *Instance) Guest() api.Module { return inst.guest }

// Memory returns the guest's memory, or nil when it has none.
func (inst *Instance) Memory() *memory.Region { return inst.region }

// Call invokes an exported guest function. A WASI exit with code 0 is not
// an error.
func (inst *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if !inst.ready.Load() {
		return nil, errors.Closed(errors.PhaseRuntime, "instance "+inst.name)
	}
	fn := inst.guest.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "exported function", name)
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		var exit *sys.ExitError
		if stderrors.As(err, &exit) && exit.ExitCode() == 0 {
			return nil, nil
		}
		return nil, errors.Trap(err, name)
	}
	return results, nil
}

// Join waits for a spawned thread and returns its trap, if any.
func (inst *Instance) Join(ctx context.Context, id uint32) error {
	return inst.spawner.Join(ctx, id)
}

// Wait blocks until every spawned thread has returned.
func (inst *Instance) Wait(ctx context.Context) error {
	return inst.spawner.Wait(ctx)
}

// LiveThreads returns the number of running spawned threads.
func (inst *Instance) LiveThreads() int { return inst.spawner.Live() }

// enter admits one parallel_for call. It fails once Close has started; on
// success the caller must call inflight.Done.
func (inst *Instance) enter(phase errors.Phase) error {
	inst.gateMu.Lock()
	defer inst.gateMu.Unlock()
	if !inst.ready.Load() {
		return errors.NotInitialized(phase, "instance "+inst.name)
	}
	inst.inflight.Add(1)
	return nil
}

// Close stops accepting spawns and parallel_for calls, waits for the calls
// in progress and for running threads, then tears the runtime down. If ctx
// ends first, Close returns the context error and leaves the runtime open;
// call it again later.
func (inst *Instance) Close(ctx context.Context) error {
	inst.closeMu.Lock()
	defer inst.closeMu.Unlock()

	inst.gateMu.Lock()
	inst.ready.Store(false)
	inst.gateMu.Unlock()

	if err := waitGroup(ctx, &inst.inflight); err != nil {
		inst.log.Warn("close interrupted with parallel_for running", zap.Error(err))
		return err
	}
	if err := inst.spawner.Close(ctx); err != nil {
		inst.log.Warn("close interrupted with threads running",
			zap.Int("live", inst.spawner.Live()), zap.Error(err))
		return err
	}
	inst.closeOnce.Do(func() {
		inst.closeErr = inst.runtime.Close(ctx)
		inst.log.Debug("instance closed")
	})
	return inst.closeErr
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

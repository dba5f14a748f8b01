package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/parallel"
)

// DefaultMaxThreads is the thread budget used when Config.MaxThreads is 0.
const DefaultMaxThreads = 256

// Config holds configuration for engine creation
type Config struct {
	// Metrics receives spawner and scheduler metrics; nil disables them.
	Metrics *parallel.Metrics

	// Logger overrides the package logger for this engine.
	Logger *zap.Logger

	// CompilationCacheDir persists compiled code across processes when set.
	CompilationCacheDir string

	// MaxThreads caps live spawned threads plus parallel_for workers across
	// every instance of the engine. 0 means DefaultMaxThreads.
	MaxThreads int64

	// MaxWorkers caps the parallel_for pool. 0 means the concurrency value.
	MaxWorkers int

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// Concurrency fixes the value hw_concurrency reports. 0 detects the
	// host's logical CPUs once per process.
	Concurrency uint32

	// Interpreter selects wazero's interpreter instead of the compiler.
	Interpreter bool

	// EnableWASI instantiates WASI preview1 next to every guest.
	EnableWASI bool

	// AbortOnTrap skips parallel_for partitions that have not started once
	// one of them traps.
	AbortOnTrap bool

	// Sequential runs parallel_for partitions in order on the calling
	// goroutine instead of a worker pool.
	Sequential bool
}

// Engine compiles guest modules and hands out instances. All instances of
// one engine share a compilation cache, a concurrency value and a thread
// budget.
type Engine struct {
	cfg         Config
	cache       wazero.CompilationCache
	validator   wazero.Runtime
	budget      *parallel.Budget
	concurrency parallel.ConcurrencyQuery
	log         *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New creates an engine with the default configuration.
func New(ctx context.Context) (*Engine, error) {
	return NewWithConfig(ctx, nil)
}

// NewWithConfig creates an engine with custom configuration.
func NewWithConfig(ctx context.Context, cfg *Config) (*Engine, error) {
	e := &Engine{}
	if cfg != nil {
		e.cfg = *cfg
	}

	if e.cfg.CompilationCacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(e.cfg.CompilationCacheDir)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "compilation cache dir")
		}
		e.cache = cache
	} else {
		e.cache = wazero.NewCompilationCache()
	}

	maxThreads := e.cfg.MaxThreads
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	e.budget = parallel.NewBudget(maxThreads)
	e.concurrency = parallel.NewConcurrencyQuery(e.cfg.Concurrency)
	e.log = e.cfg.Logger
	if e.log == nil {
		e.log = Logger()
	}
	e.validator = wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig())

	e.log.Debug("engine created",
		zap.Bool("interpreter", e.cfg.Interpreter),
		zap.Uint32("concurrency", e.concurrency.Concurrency()),
		zap.Int64("max_threads", maxThreads),
		zap.Int("max_workers", e.cfg.MaxWorkers))
	return e, nil
}

// runtimeConfig returns the wazero configuration every instance runtime uses.
func (e *Engine) runtimeConfig() wazero.RuntimeConfig {
	var rc wazero.RuntimeConfig
	if e.cfg.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	} else {
		rc = wazero.NewRuntimeConfig()
	}
	rc = rc.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads).
		WithCompilationCache(e.cache)
	if e.cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(e.cfg.MemoryLimitPages)
	}
	return rc
}

// Concurrency returns the value hw_concurrency reports.
func (e *Engine) Concurrency() uint32 { return e.concurrency.Concurrency() }

// Budget returns the engine-wide thread budget.
func (e *Engine) Budget() *parallel.Budget { return e.budget }

// LoadModule parses and validates a core module. The binary is compiled
// once here so invalid guests fail before any instance exists.
func (e *Engine) LoadModule(ctx context.Context, bin []byte) (*Module, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, errors.Closed(errors.PhaseLoad, "engine")
	}
	return newModule(ctx, e, bin)
}

// Close releases the engine. Instances must be closed first.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	return multierr.Append(e.validator.Close(ctx), e.cache.Close(ctx))
}

// Package config loads runner configuration from defaults, an optional YAML
// file and PARRUN_ environment variables, in that order of precedence.
package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-parallel/engine"
	"github.com/wippyai/wasm-parallel/errors"
	"github.com/wippyai/wasm-parallel/parallel"
)

// EnvPrefix prefixes every environment override, e.g.
// PARRUN_PARALLEL_MAX_WORKERS=4 sets parallel.max_workers.
const EnvPrefix = "PARRUN_"

type Config struct {
	Engine   EngineConfig   `koanf:"engine"`
	Parallel ParallelConfig `koanf:"parallel"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

type EngineConfig struct {
	CompilationCacheDir string `koanf:"compilation_cache_dir"`
	MemoryLimitPages    uint32 `koanf:"memory_limit_pages"`
	Interpreter         bool   `koanf:"interpreter"`
	WASI                bool   `koanf:"wasi"`
}

type ParallelConfig struct {
	MaxThreads  int64  `koanf:"max_threads"`
	MaxWorkers  int    `koanf:"max_workers"`
	Concurrency uint32 `koanf:"concurrency"`
	AbortOnTrap bool   `koanf:"abort_on_trap"`
	Sequential  bool   `koanf:"sequential"`
}

type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

type MetricsConfig struct {
	// Addr is the listen address of the Prometheus endpoint; empty disables it.
	Addr string `koanf:"addr"`
}

var defaults = map[string]any{
	"engine.compilation_cache_dir": "",
	"engine.memory_limit_pages":    0,
	"engine.interpreter":           false,
	"engine.wasi":                  true,
	"parallel.max_threads":         engine.DefaultMaxThreads,
	"parallel.max_workers":         0,
	"parallel.concurrency":         0,
	"parallel.abort_on_trap":       false,
	"parallel.sequential":          false,
	"log.level":                    "warn",
	"log.development":              false,
	"metrics.addr":                 "",
}

// Default returns the built-in configuration without file or environment
// overrides.
func Default() *Config {
	var cfg Config
	k, err := withDefaults()
	if err == nil {
		err = k.Unmarshal("", &cfg)
	}
	if err != nil {
		panic(err)
	}
	return &cfg
}

func withDefaults() (*koanf.Koanf, error) {
	k := koanf.New(".")
	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "set default "+key)
		}
	}
	return k, nil
}

// Load builds a configuration from defaults, the YAML file at path when it
// is not empty, and the environment. The result is validated.
func Load(path string) (*Config, error) {
	k, err := withDefaults()
	if err != nil {
		return nil, err
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "load "+path)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "load environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps PARRUN_SECTION_SOME_KEY to section.some_key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

// Validate rejects values the engine cannot use.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", err.Error())
	}
	if c.Parallel.MaxThreads < 0 {
		return invalid("parallel.max_threads", "must not be negative")
	}
	if c.Parallel.MaxWorkers < 0 {
		return invalid("parallel.max_workers", "must not be negative")
	}
	if c.Engine.MemoryLimitPages > 65536 {
		return invalid("engine.memory_limit_pages", "exceeds 65536 pages")
	}
	return nil
}

func invalid(key, detail string) error {
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Path(strings.Split(key, ".")...).
		Detail("%s", detail).
		Build()
}

// EngineConfig converts the configuration for engine.NewWithConfig.
func (c *Config) EngineConfig(metrics *parallel.Metrics, log *zap.Logger) *engine.Config {
	return &engine.Config{
		Metrics:             metrics,
		Logger:              log,
		CompilationCacheDir: c.Engine.CompilationCacheDir,
		MaxThreads:          c.Parallel.MaxThreads,
		MaxWorkers:          c.Parallel.MaxWorkers,
		MemoryLimitPages:    c.Engine.MemoryLimitPages,
		Concurrency:         c.Parallel.Concurrency,
		Interpreter:         c.Engine.Interpreter,
		EnableWASI:          c.Engine.WASI,
		AbortOnTrap:         c.Parallel.AbortOnTrap,
		Sequential:          c.Parallel.Sequential,
	}
}

// Logger builds a zap logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, invalid("log.level", err.Error())
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/wasm-parallel/engine"
	"github.com/wippyai/wasm-parallel/errors"
)

func TestDefault(t *testing.T) {
	want := &Config{
		Engine:   EngineConfig{WASI: true},
		Parallel: ParallelConfig{MaxThreads: engine.DefaultMaxThreads},
		Log:      LogConfig{Level: "warn"},
	}
	if diff := cmp.Diff(want, Default()); diff != "" {
		t.Errorf("Default() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parrun.yaml")
	yaml := []byte(`
engine:
  interpreter: true
  memory_limit_pages: 512
parallel:
  max_workers: 3
  concurrency: 8
log:
  level: debug
metrics:
  addr: ":9090"
`)
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PARRUN_PARALLEL_MAX_WORKERS", "6")
	t.Setenv("PARRUN_PARALLEL_ABORT_ON_TRAP", "true")
	t.Setenv("PARRUN_PARALLEL_SEQUENTIAL", "true")
	t.Setenv("PARRUN_ENGINE_WASI", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := &Config{
		Engine:   EngineConfig{Interpreter: true, MemoryLimitPages: 512},
		Parallel: ParallelConfig{MaxThreads: engine.DefaultMaxThreads, MaxWorkers: 6, Concurrency: 8, AbortOnTrap: true, Sequential: true},
		Log:      LogConfig{Level: "debug"},
		Metrics:  MetricsConfig{Addr: ":9090"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}

	ec := cfg.EngineConfig(nil, nil)
	if ec.MaxWorkers != 6 || !ec.AbortOnTrap || !ec.Sequential || ec.EnableWASI || ec.Concurrency != 8 || !ec.Interpreter {
		t.Errorf("EngineConfig = %+v", ec)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); errors.KindOf(err) != errors.KindInvalidInput {
		t.Errorf("missing file: %v", err)
	}

	t.Setenv("PARRUN_LOG_LEVEL", "loud")
	_, err := Load("")
	if errors.KindOf(err) != errors.KindInvalidInput {
		t.Fatalf("bad level: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		mutate func(*Config)
		name   string
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "negative threads", mutate: func(c *Config) { c.Parallel.MaxThreads = -1 }},
		{name: "negative workers", mutate: func(c *Config) { c.Parallel.MaxWorkers = -2 }},
		{name: "too many pages", mutate: func(c *Config) { c.Engine.MemoryLimitPages = 65537 }},
		{name: "unknown level", mutate: func(c *Config) { c.Log.Level = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); tt.ok != (err == nil) {
				t.Fatalf("Validate() = %v", err)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"PARRUN_ENGINE_COMPILATION_CACHE_DIR": "engine.compilation_cache_dir",
		"PARRUN_LOG_LEVEL":                    "log.level",
		"PARRUN_METRICS_ADDR":                 "metrics.addr",
		"PARRUN_VERBOSE":                      "verbose",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "debug"
	cfg.Log.Development = true
	log, err := cfg.Logger()
	if err != nil {
		t.Fatal(err)
	}
	if !log.Core().Enabled(-1) {
		t.Error("debug level not enabled")
	}
}

package main

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-parallel/config"
	"github.com/wippyai/wasm-parallel/engine"
	"github.com/wippyai/wasm-parallel/parallel"
	"github.com/wippyai/wasm-parallel/runtime"
)

type globalOptions struct {
	configFile  string
	logLevel    string
	metricsAddr string
	maxThreads  int64
	maxWorkers  int
	concurrency uint32
	interpreter bool
	abortOnTrap bool
	sequential  bool
}

// app is everything a subcommand needs: configuration, logger, runtime and
// the optional metrics server.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	rt      *runtime.Runtime
	metrics *http.Server
}

// loadConfig reads the configuration and applies flags the user set.
func (o *globalOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("interpreter") {
		cfg.Engine.Interpreter = o.interpreter
	}
	if flags.Changed("concurrency") {
		cfg.Parallel.Concurrency = o.concurrency
	}
	if flags.Changed("max-workers") {
		cfg.Parallel.MaxWorkers = o.maxWorkers
	}
	if flags.Changed("max-threads") {
		cfg.Parallel.MaxThreads = o.maxThreads
	}
	if flags.Changed("abort-on-trap") {
		cfg.Parallel.AbortOnTrap = o.abortOnTrap
	}
	if flags.Changed("sequential") {
		cfg.Parallel.Sequential = o.sequential
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = o.metricsAddr
	}
	return cfg, cfg.Validate()
}

func newApp(ctx context.Context, cmd *cobra.Command, opts *globalOptions) (*app, error) {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	engine.SetLogger(log)
	parallel.SetLogger(log)

	a := &app{cfg: cfg, log: log}

	var metrics *parallel.Metrics
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		if metrics, err = parallel.NewMetrics(reg); err != nil {
			return nil, err
		}
		if a.metrics, err = serveMetrics(cfg.Metrics.Addr, reg, log); err != nil {
			return nil, err
		}
	}

	a.rt, err = runtime.NewWithConfig(ctx, cfg.EngineConfig(metrics, log))
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	return a, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return srv, nil
}

func (a *app) close(ctx context.Context) error {
	var err error
	if a.rt != nil {
		err = multierr.Append(err, a.rt.Close(ctx))
	}
	if a.metrics != nil {
		err = multierr.Append(err, a.metrics.Shutdown(ctx))
	}
	_ = a.log.Sync()
	return err
}

// Command parrun runs and inspects WebAssembly guests that use wasi_parallel.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "parrun",
		Short:         "Run WebAssembly guests with threads and parallel_for",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.interpreter, "interpreter", false, "Use the wazero interpreter instead of the compiler")
	flags.Uint32Var(&opts.concurrency, "concurrency", 0, "Value reported by hw_concurrency (0 detects CPUs)")
	flags.IntVar(&opts.maxWorkers, "max-workers", 0, "Cap on parallel_for workers (0 uses the concurrency value)")
	flags.Int64Var(&opts.maxThreads, "max-threads", 0, "Cap on live threads and workers")
	flags.BoolVar(&opts.abortOnTrap, "abort-on-trap", false, "Skip pending partitions after a kernel trap")
	flags.BoolVar(&opts.sequential, "sequential", false, "Run parallel_for partitions one at a time on the calling thread")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	cmd.AddCommand(
		newRunCommand(opts),
		newInspectCommand(opts),
		newInteractiveCommand(opts),
	)
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-parallel/engine"
	"github.com/wippyai/wasm-parallel/runtime"
)

type runOptions struct {
	funcName string
	witFile  string
}

func newRunCommand(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run FILE [ARG...]",
		Short: "Instantiate a guest and call _start or an exported function",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, global, opts, args[0], args[1:])
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.funcName, "func", "f", "", "Exported function to call (default _start)")
	flags.StringVar(&opts.witFile, "wit", "", "WIT file with signatures for typed arguments")
	return cmd
}

func readWIT(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read WIT: %w", err)
	}
	return string(data), nil
}

func runRun(cmd *cobra.Command, global *globalOptions, opts *runOptions, file string, rest []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cmd, global)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	witText, err := readWIT(opts.witFile)
	if err != nil {
		return err
	}
	mod, err := a.rt.LoadFile(ctx, file, witText)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	funcName := opts.funcName
	instArgs := []string{file}
	if funcName == "" {
		funcName = "_start"
		instArgs = append(instArgs, rest...)
	}
	inst, err := mod.InstantiateWithConfig(ctx, &engine.InstanceConfig{
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
		Args:   instArgs,
	})
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	defer inst.Close(ctx)

	if opts.funcName == "" {
		if _, err := inst.CallRaw(ctx, funcName); err != nil {
			return err
		}
		return waitThreads(ctx, inst, a.log)
	}

	params, _, err := mod.Signature(funcName)
	if err != nil {
		return err
	}
	if len(params) != len(rest) {
		return fmt.Errorf("%s takes %d arguments, got %d", funcName, len(params), len(rest))
	}
	callArgs := make([]any, len(rest))
	for i, s := range rest {
		if callArgs[i], err = runtime.ParseArg(params[i], s); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}

	result, err := inst.Call(ctx, funcName, callArgs...)
	if err != nil {
		return fmt.Errorf("call %s: %w", funcName, err)
	}
	if result != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%v\n", result)
	}
	return waitThreads(ctx, inst, a.log)
}

// waitThreads lets spawned threads finish before the instance is closed.
func waitThreads(ctx context.Context, inst *runtime.Instance, log *zap.Logger) error {
	if n := inst.LiveThreads(); n > 0 {
		log.Info("waiting for spawned threads", zap.Int("live", n))
	}
	return inst.Wait(ctx)
}

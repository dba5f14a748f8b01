package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-parallel/engine"
	"github.com/wippyai/wasm-parallel/internal/wasmbin"
	"github.com/wippyai/wasm-parallel/runtime"
)

func newInspectCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Show a guest's exports, memory, function table and host imports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newApp(ctx, cmd, global)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			mod, err := a.rt.LoadFile(ctx, args[0], "")
			if err != nil {
				return err
			}
			printModule(cmd.OutOrStdout(), args[0], mod)
			return nil
		},
	}
}

func printModule(w io.Writer, name string, mod *runtime.Module) {
	em := mod.Engine()
	fmt.Fprintf(w, "Module: %s\n", name)

	if mt, ok := em.Memory(); ok {
		maxPages := "none"
		if mt.HasMax {
			maxPages = fmt.Sprint(mt.Max)
		}
		fmt.Fprintf(w, "Memory: min %d pages, max %s, shared %v\n", mt.Min, maxPages, mt.Shared)
	} else {
		fmt.Fprintln(w, "Memory: none")
	}

	table := em.Resolver().Table()
	if exp := table.ExportName(); exp != "" {
		fmt.Fprintf(w, "Function table: %d slots, exported as %q\n", table.Len(), exp)
	} else {
		fmt.Fprintf(w, "Function table: %d slots, not exported\n", table.Len())
	}

	fmt.Fprintf(w, "\nHost imports:\n")
	for _, imp := range em.Parsed().Imports {
		if imp.Module != engine.HostModuleName || imp.Kind != wasmbin.ExternFunc {
			continue
		}
		fmt.Fprintf(w, "  %s.%s\n", imp.Module, imp.Name)
	}

	fmt.Fprintf(w, "\nExported functions:\n")
	for _, e := range mod.Exports() {
		fmt.Fprintf(w, "  %s%s\n", e.Name, e.Type)
	}
	if !mod.SharedMemory() {
		fmt.Fprintln(w, "\nthread.spawn and parallel_for will return -1: memory is not shared")
	}
}

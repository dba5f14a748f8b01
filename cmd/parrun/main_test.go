package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wippyai/wasm-parallel/internal/testmod"
)

func writeGuest(t *testing.T, opts testmod.Options) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guest.wasm")
	if err := os.WriteFile(path, testmod.MustBuild(t, opts), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInspect(t *testing.T) {
	path := writeGuest(t, testmod.Options{})
	out, err := execute(t, "inspect", path, "--interpreter")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{
		"Memory: min 1 pages, max 4, shared true",
		`exported as "__indirect_function_table"`,
		"wasi_parallel.parallel_for",
		"kernel_mark(i32, i32, i32) -> ()",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestInspect_Unshared(t *testing.T) {
	path := writeGuest(t, testmod.Options{Unshared: true})
	out, err := execute(t, "inspect", path, "--interpreter")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "memory is not shared") {
		t.Errorf("missing unshared warning:\n%s", out)
	}
}

func TestRun_CallExport(t *testing.T) {
	path := writeGuest(t, testmod.Options{})
	out, err := execute(t, "run", path, "--interpreter", "--concurrency", "3", "-f", "hw_concurrency")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(out) != "3" {
		t.Errorf("output = %q, want 3", out)
	}

	out, err = execute(t, "run", path, "--interpreter", "-f", "parallel_for",
		"1", "0", "100", "10", "0", "0", "0", "0")
	if err != nil {
		t.Fatalf("run parallel_for: %v", err)
	}
	if strings.TrimSpace(out) != "0" {
		t.Errorf("parallel_for status = %q", out)
	}
}

func TestRun_Errors(t *testing.T) {
	path := writeGuest(t, testmod.Options{})
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing _start", args: []string{"run", path, "--interpreter"}},
		{name: "wrong arity", args: []string{"run", path, "--interpreter", "-f", "hw_concurrency", "1"}},
		{name: "bad argument", args: []string{"run", path, "--interpreter", "-f", "thread.spawn", "x", "1"}},
		{name: "missing file", args: []string{"run", filepath.Join(t.TempDir(), "none.wasm")}},
		{name: "bad log level", args: []string{"inspect", path, "--log-level", "noisy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

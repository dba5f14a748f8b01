package main

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/wasm-parallel/engine"
	"github.com/wippyai/wasm-parallel/internal/testmod"
	"github.com/wippyai/wasm-parallel/runtime"
)

func newTestLauncher(t *testing.T, opts testmod.Options) *launcher {
	t.Helper()
	ctx := context.Background()
	rt, err := runtime.NewWithConfig(ctx, &engine.Config{Interpreter: true, Concurrency: 2})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rt.Close(ctx) })

	m := newLauncher(rt, writeGuest(t, opts))
	t.Cleanup(func() { m.close(ctx) })
	m.Update(m.Init()())
	return m
}

// finish runs the command returned by launch and feeds its completion back
// into the model.
func finish(t *testing.T, m *launcher, cmd tea.Cmd) {
	t.Helper()
	if cmd == nil {
		t.Fatal("launch started nothing")
	}
	batch, ok := cmd().(tea.BatchMsg)
	if !ok {
		t.Fatal("launch did not batch the run with the ticker")
	}
	for _, c := range batch {
		if done, ok := c().(doneMsg); ok {
			m.Update(done)
			return
		}
	}
	t.Fatal("no parallel_for completion in batch")
}

func TestKernelSlots(t *testing.T) {
	m := newTestLauncher(t, testmod.Options{})
	if m.err != nil {
		t.Fatalf("load: %v", m.err)
	}
	var slots []uint32
	for _, k := range m.kernels {
		slots = append(slots, k.slot)
	}
	want := []uint32{testmod.SlotMark, testmod.SlotLast, testmod.SlotTrap, testmod.SlotOut}
	if diff := cmp.Diff(want, slots); diff != "" {
		t.Errorf("kernel slots mismatch (-want +got):\n%s", diff)
	}
}

func TestLauncher_Launch(t *testing.T) {
	m := newTestLauncher(t, testmod.Options{})
	m.inputs[fieldIterations].SetValue("100")
	m.inputs[fieldBlock].SetValue("10")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if !m.running {
		t.Fatal("enter did not start parallel_for")
	}
	if _, again := m.Update(tea.KeyMsg{Type: tea.KeyEnter}); again != nil {
		t.Error("second launch started while running")
	}
	finish(t, m, cmd)

	if m.running || m.last == nil {
		t.Fatalf("running = %v, last = %v", m.running, m.last)
	}
	if m.last.err != nil || m.last.res.Partitions != 10 {
		t.Errorf("result = %+v, err = %v", m.last.res, m.last.err)
	}
	if m.stats.inUse != 0 || m.stats.cap != engine.DefaultMaxThreads {
		t.Errorf("stats after run = %+v", m.stats)
	}
	view := m.View()
	for _, want := range []string{"table[1] over 100 iterations, block 10: status 0", "10 partitions", "budget 0/"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestLauncher_TrapAndBadInput(t *testing.T) {
	m := newTestLauncher(t, testmod.Options{})
	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	if got := m.kernels[m.selected].slot; got != testmod.SlotTrap {
		t.Fatalf("selected slot %d, want %d", got, testmod.SlotTrap)
	}
	m.inputs[fieldIterations].SetValue("8")
	m.inputs[fieldBlock].SetValue("1")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	finish(t, m, cmd)
	if !strings.Contains(m.View(), "status -5") {
		t.Errorf("trap not reported:\n%s", m.View())
	}

	m.inputs[fieldBlock].SetValue("many")
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil || m.running {
		t.Fatal("launched with a non-numeric block size")
	}
	if !strings.Contains(m.View(), "block size") {
		t.Errorf("input error not shown:\n%s", m.View())
	}
}

func TestLauncher_UnsharedMemory(t *testing.T) {
	m := newTestLauncher(t, testmod.Options{Unshared: true})
	if m.inst != nil || m.err == nil {
		t.Fatalf("inst = %v, err = %v", m.inst, m.err)
	}
	if !strings.Contains(m.View(), "not shared") {
		t.Errorf("view:\n%s", m.View())
	}
}

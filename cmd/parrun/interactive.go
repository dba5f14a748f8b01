package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/wasm-parallel/engine"
	"github.com/wippyai/wasm-parallel/kernel"
	"github.com/wippyai/wasm-parallel/parallel"
	"github.com/wippyai/wasm-parallel/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	statStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90"))
	busyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD866"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

const statsInterval = 100 * time.Millisecond

func newInteractiveCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "interactive FILE",
		Aliases: []string{"i"},
		Short:   "Launch parallel_for over the guest's table kernels from a terminal UI",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) || !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("interactive mode needs a terminal; use run instead")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newApp(ctx, cmd, global)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			m := newLauncher(a.rt, args[0])
			defer m.close(ctx)
			_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}
}

// kernelSlot is a table slot that holds a function with a kernel signature.
type kernelSlot struct {
	handle kernel.Handle
	slot   uint32
}

// kernelSlots lists the table slots parallel_for accepts as kernels.
func kernelSlots(mod *engine.Module) []kernelSlot {
	r := mod.Resolver()
	var out []kernelSlot
	for slot := uint32(0); slot < r.Table().Len(); slot++ {
		h, err := r.ByIndex(slot, kernel.KernelSignature, kernel.KernelOutSignature)
		if err != nil {
			continue
		}
		out = append(out, kernelSlot{handle: h, slot: slot})
	}
	return out
}

type liveStats struct {
	threads int
	inUse   int64
	cap     int64
}

type launchResult struct {
	err        error
	res        parallel.Result
	elapsed    time.Duration
	kernel     kernelSlot
	iterations uint32
	block      uint32
}

type loadedMsg struct {
	err     error
	inst    *runtime.Instance
	kernels []kernelSlot
}

type tickMsg time.Time

type doneMsg launchResult

const (
	fieldIterations = iota
	fieldBlock
)

// launcher runs parallel_for with a chosen kernel, iteration count and block
// size, and shows the thread budget while partitions run.
type launcher struct {
	err      error
	rt       *runtime.Runtime
	inst     *runtime.Instance
	last     *launchResult
	started  time.Time
	file     string
	kernels  []kernelSlot
	inputs   [2]textinput.Model
	stats    liveStats
	selected int
	focus    int
	running  bool
}

func newLauncher(rt *runtime.Runtime, file string) *launcher {
	m := &launcher{rt: rt, file: file}
	for i, f := range []struct{ prompt, value string }{
		{prompt: "iterations: ", value: "1000"},
		{prompt: "block size: ", value: "16"},
	} {
		ti := textinput.New()
		ti.Prompt = f.prompt
		ti.SetValue(f.value)
		ti.CharLimit = 10
		ti.Width = 12
		m.inputs[i] = ti
	}
	m.inputs[fieldIterations].Focus()
	m.refresh()
	return m
}

func (m *launcher) Init() tea.Cmd {
	return m.load
}

func (m *launcher) load() tea.Msg {
	ctx := context.Background()
	mod, err := m.rt.LoadFile(ctx, m.file, "")
	if err != nil {
		return loadedMsg{err: err}
	}
	if !mod.SharedMemory() {
		return loadedMsg{err: errors.New("guest memory is not shared; parallel_for needs shared memory")}
	}
	kernels := kernelSlots(mod.Engine())
	if len(kernels) == 0 {
		return loadedMsg{err: errors.New("guest table holds no kernel functions")}
	}
	inst, err := mod.InstantiateWithConfig(ctx, &engine.InstanceConfig{Stdout: io.Discard, Stderr: io.Discard})
	if err != nil {
		return loadedMsg{err: err}
	}
	return loadedMsg{inst: inst, kernels: kernels}
}

func (m *launcher) close(ctx context.Context) {
	if m.inst != nil {
		_ = m.inst.Close(ctx)
	}
}

func (m *launcher) refresh() {
	budget := m.rt.Engine().Budget()
	m.stats = liveStats{inUse: budget.InUse(), cap: budget.Cap()}
	if m.inst != nil {
		m.stats.threads = m.inst.LiveThreads()
	}
}

func tick() tea.Cmd {
	return tea.Tick(statsInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func parseCount(name, s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a 32-bit unsigned integer", name, s)
	}
	return uint32(v), nil
}

// launch starts parallel_for in the background and the stats ticker next to
// it. Invalid inputs set m.err and start nothing.
func (m *launcher) launch() tea.Cmd {
	n, err := parseCount("iterations", m.inputs[fieldIterations].Value())
	if err != nil {
		m.err = err
		return nil
	}
	block, err := parseCount("block size", m.inputs[fieldBlock].Value())
	if err != nil {
		m.err = err
		return nil
	}

	m.err = nil
	m.running = true
	m.started = time.Now()
	inst, k := m.inst, m.kernels[m.selected]
	run := func() tea.Msg {
		start := time.Now()
		res, err := inst.ParallelFor(context.Background(), engine.ParallelForArgs{
			KernelStart: k.slot,
			Iterations:  n,
			BlockSize:   block,
		})
		return doneMsg{err: err, res: res, elapsed: time.Since(start), kernel: k, iterations: n, block: block}
	}
	return tea.Batch(run, tick())
}

func (m *launcher) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "up":
			if !m.running && m.selected > 0 {
				m.selected--
			}
			return m, nil
		case "down":
			if !m.running && m.selected < len(m.kernels)-1 {
				m.selected++
			}
			return m, nil
		case "tab", "shift+tab":
			m.inputs[m.focus].Blur()
			m.focus = (m.focus + 1) % len(m.inputs)
			m.inputs[m.focus].Focus()
			return m, nil
		case "enter":
			if m.running || m.inst == nil {
				return m, nil
			}
			return m, m.launch()
		}

	case loadedMsg:
		m.err = msg.err
		m.inst = msg.inst
		m.kernels = msg.kernels
		m.refresh()
		return m, nil

	case tickMsg:
		m.refresh()
		if m.running {
			return m, tick()
		}
		return m, nil

	case doneMsg:
		r := launchResult(msg)
		m.last = &r
		m.running = false
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

func (m *launcher) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("parrun"))
	b.WriteString(" " + m.file + "\n\n")

	if m.inst == nil {
		if m.err != nil {
			b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
			b.WriteString("\n\n" + helpStyle.Render("esc quit"))
			return b.String()
		}
		b.WriteString("Loading module...")
		return b.String()
	}

	b.WriteString("Kernel:\n")
	for i, k := range m.kernels {
		line := fmt.Sprintf("%s %s", k.handle, k.handle.Signature)
		if i == m.selected {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	for _, in := range m.inputs {
		b.WriteString(in.View() + "\n")
	}
	b.WriteString("\n")
	b.WriteString(statStyle.Render(fmt.Sprintf("hw_concurrency %d  live threads %d  budget %d/%d",
		m.rt.Engine().Concurrency(), m.stats.threads, m.stats.inUse, m.stats.cap)))
	b.WriteString("\n")

	switch {
	case m.running:
		b.WriteString(busyStyle.Render(fmt.Sprintf("running for %s", time.Since(m.started).Round(time.Millisecond))))
	case m.err != nil:
		b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
	case m.last != nil:
		b.WriteString(m.last.view())
	}
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("↑/↓ kernel • tab field • enter launch • esc quit"))
	return b.String()
}

func (r *launchResult) view() string {
	head := fmt.Sprintf("%s over %d iterations, block %d: status %d", r.kernel.handle, r.iterations, r.block, parallel.StatusOf(r.err))
	body := fmt.Sprintf("%d partitions on %d workers in %s, trapped %d, skipped %d, closed %d",
		r.res.Partitions, r.res.Workers, r.elapsed.Round(time.Microsecond), r.res.Trapped, r.res.Skipped, r.res.Closed)
	if r.err != nil {
		return errorStyle.Render(head) + "\n" + body + "\n" + errorStyle.Render(r.err.Error())
	}
	return okStyle.Render(head) + "\n" + body
}

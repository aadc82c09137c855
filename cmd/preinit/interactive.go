package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	preinit "github.com/wippyai/wasm-preinit"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateAskOutput modelState = iota
	stateRunning
	stateDone
)

type stageMsg preinit.StageEvent

type doneMsg struct {
	err    error
	result *preinit.Result
}

type interactiveModel struct {
	ctx      context.Context
	cancel   context.CancelFunc
	err      error
	result   *preinit.Result
	events   chan preinit.StageEvent
	done     map[preinit.Stage]preinit.StageEvent
	input    []byte
	filename string
	output   string
	cfg      preinit.Config
	prompt   textinput.Model
	spinner  spinner.Model
	state    modelState
}

func newInteractiveModel(ctx context.Context, o options, cfg preinit.Config, input []byte) *interactiveModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	ctx, cancel := context.WithCancel(ctx)
	m := &interactiveModel{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		input:    input,
		filename: o.input,
		output:   o.output,
		events:   make(chan preinit.StageEvent, len(preinit.Stages)),
		done:     make(map[preinit.Stage]preinit.StageEvent),
		spinner:  sp,
		state:    stateRunning,
	}
	m.cfg.Progress = func(ev preinit.StageEvent) { m.events <- ev }

	if m.output == "" {
		ti := textinput.New()
		ti.Placeholder = strings.TrimSuffix(o.input, ".wasm") + ".preinit.wasm"
		ti.Prompt = "Output file: "
		ti.Width = 60
		ti.Focus()
		m.prompt = ti
		m.state = stateAskOutput
	}
	return m
}

func (m *interactiveModel) Init() tea.Cmd {
	if m.state == stateAskOutput {
		return textinput.Blink
	}
	return m.start()
}

func (m *interactiveModel) start() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.runPipeline, m.waitForStage)
}

func (m *interactiveModel) runPipeline() tea.Msg {
	p, err := preinit.New(m.cfg)
	if err != nil {
		return doneMsg{err: err}
	}
	res, err := p.Run(m.ctx, m.input)
	if err != nil {
		return doneMsg{err: err}
	}
	if err := os.WriteFile(m.output, res.Binary, 0o644); err != nil {
		return doneMsg{err: fmt.Errorf("write output: %w", err)}
	}
	return doneMsg{result: res}
}

func (m *interactiveModel) waitForStage() tea.Msg {
	return stageMsg(<-m.events)
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "q":
			if m.state == stateDone {
				return m, tea.Quit
			}
		case "enter":
			switch m.state {
			case stateAskOutput:
				m.output = m.prompt.Value()
				if m.output == "" {
					m.output = m.prompt.Placeholder
				}
				m.state = stateRunning
				return m, m.start()
			case stateDone:
				return m, tea.Quit
			}
		}

	case stageMsg:
		m.done[msg.Stage] = preinit.StageEvent(msg)
		if msg.Err == nil && len(m.done) < len(preinit.Stages) {
			return m, m.waitForStage
		}
		return m, nil

	case doneMsg:
		m.err = msg.err
		m.result = msg.result
		m.state = stateDone
		return m, nil

	case spinner.TickMsg:
		if m.state != stateRunning {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if m.state == stateAskOutput {
		var cmd tea.Cmd
		m.prompt, cmd = m.prompt.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Pre-initializer"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	if m.state == stateAskOutput {
		b.WriteString(m.prompt.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter confirm • ctrl+c quit"))
		return b.String()
	}

	running := true
	for _, s := range preinit.Stages {
		ev, ok := m.done[s]
		switch {
		case ok && ev.Err != nil:
			b.WriteString(errorStyle.Render(fmt.Sprintf("✗ %-10s %s", s, ev.Elapsed.Round(time.Microsecond))))
			running = false
		case ok:
			b.WriteString(stageStyle.Render(fmt.Sprintf("✓ %-10s %s", s, ev.Elapsed.Round(time.Microsecond))))
		case running && m.state == stateRunning:
			b.WriteString(m.spinner.View() + " " + string(s))
			running = false
		default:
			b.WriteString(pendingStyle.Render("  " + string(s)))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.state == stateDone {
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			r := m.result
			b.WriteString(resultStyle.Render(fmt.Sprintf(
				"Wrote %s: %d bytes, %d changed pages, %d changed globals, initializer ran %s",
				m.output, len(r.Binary), r.ChangedPages, r.ChangedGlobals, r.InitDuration.Round(time.Microsecond))))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter/q quit"))
	}
	return b.String()
}

func runInteractive(ctx context.Context, o options, cfg preinit.Config, input []byte) error {
	m := newInteractiveModel(ctx, o, cfg, input)
	defer m.cancel()
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return err
	}
	if fm, ok := final.(*interactiveModel); ok && fm.err != nil {
		return fm.err
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/dualvm"
	"github.com/wippyai/dualvm/engine"
	"github.com/wippyai/dualvm/supervisor"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type transitionMsg supervisor.Transition

type doneMsg struct {
	report *supervisor.Report
}

type progressModel struct {
	exec    *supervisor.Execution
	runner  string
	spinner spinner.Model
	history []supervisor.State
	started time.Time
	report  *supervisor.Report
	quit    bool
}

func newProgressModel(runner string) *progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = stateStyle
	return &progressModel{runner: runner, spinner: s, started: time.Now()}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.wait)
}

func (m *progressModel) wait() tea.Msg {
	r, _ := m.exec.Wait(context.Background())
	return doneMsg{report: r}
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "c":
			m.exec.Cancel()
		case "ctrl+c", "q":
			if m.report != nil {
				return m, tea.Quit
			}
			m.quit = true
			m.exec.Cancel()
		case "enter":
			if m.report != nil {
				return m, tea.Quit
			}
		}

	case transitionMsg:
		m.history = append(m.history, msg.To)

	case doneMsg:
		m.report = msg.report
		if m.quit {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		if m.report != nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("dualvm"))
	b.WriteString(" ")
	b.WriteString(m.runner)
	b.WriteString("\n\n")

	for i, s := range m.history {
		if i > 0 {
			b.WriteString(helpStyle.Render(" → "))
		}
		b.WriteString(stateStyle.Render(s.String()))
	}
	b.WriteString("\n\n")

	if m.report == nil {
		b.WriteString(m.spinner.View())
		b.WriteString(fmt.Sprintf(" running for %s\n\n", time.Since(m.started).Round(time.Second)))
		b.WriteString(helpStyle.Render("c cancel • q quit"))
		return b.String()
	}

	if m.report.Err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.report.Err)))
		b.WriteString("\n")
	}
	if m.report.State != supervisor.StateFailed {
		for _, mode := range dualvm.Modes {
			res := m.report.Results.Get(mode)
			style := resultStyle
			if res.Status != engine.StatusCompleted {
				style = errorStyle
			}
			b.WriteString(style.Render(fmt.Sprintf("%-8s %s exit=%d", mode, res.Status, res.ExitCode)))
			if res.Err != nil {
				b.WriteString(errorStyle.Render(fmt.Sprintf("  %v", res.Err)))
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter • q quit"))
	return b.String()
}

// runInteractive starts req and renders its progress until the user leaves
// the view. The execution is cancelled when the user quits early.
func runInteractive(ctx context.Context, sup *supervisor.Supervisor, req supervisor.Request) (*supervisor.Report, error) {
	m := newProgressModel(req.Runner)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	req.Observer = func(t supervisor.Transition) { p.Send(transitionMsg(t)) }
	m.exec = sup.Start(ctx, req)

	if _, err := p.Run(); err != nil {
		m.exec.Cancel()
	}
	return m.exec.Wait(context.Background())
}

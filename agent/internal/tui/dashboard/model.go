// Package dashboard implements the agent's terminal dashboard: a status
// header over a live log viewport fed by the event bus.
package dashboard

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sploots-ai/sploots/agent/internal/agent"
	"github.com/sploots-ai/sploots/agent/internal/tui"
)

// Model is the root dashboard TUI model.
type Model struct {
	header headerModel
	logs   logsModel
	help   helpModel

	width    int
	height   int
	detached bool
	quitting bool
}

// NewModel creates a dashboard model seeded with the given status.
func NewModel(status agent.Status) Model {
	return Model{
		header: newHeader(status),
		logs:   newLogs(),
		help:   newHelp(),
	}
}

// EventMsg wraps an event from the event bus.
type EventMsg struct {
	Type string
	Data []byte
}

// StatusUpdateMsg carries a fresh status snapshot.
type StatusUpdateMsg struct {
	Status agent.Status
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logs.SetSize(msg.Width-4, m.logsHeight())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+d", "d"))):
			m.detached = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("?"))):
			m.help.toggle()
			return m, nil
		}

	case StatusUpdateMsg:
		m.header.update(msg.Status)
		return m, nil

	case EventMsg:
		m.logs.addEvent(msg)
		return m, nil
	}

	var cmd tea.Cmd
	m.logs, cmd = m.logs.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}

	headerView := m.header.View(m.width)

	logsStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(m.width - 2)

	logsView := logsStyle.Render(
		tui.Subtitle.Render(" Logs") + "\n" + m.logs.View(),
	)

	helpBar := m.help.bar()

	return lipgloss.JoinVertical(lipgloss.Left,
		headerView,
		logsView,
		helpBar,
	)
}

// Detached returns true if the user pressed detach.
func (m Model) Detached() bool { return m.detached }

// Quitting returns true if the user quit.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) logsHeight() int {
	// Reserve space for header, help bar, borders.
	h := m.height - 8
	if h < 5 {
		h = 5
	}
	return h
}

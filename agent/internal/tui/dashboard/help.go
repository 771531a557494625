package dashboard

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/sploots-ai/sploots/agent/internal/tui"
)

// keyBinding is one row of the help overlay.
type keyBinding struct {
	keys string
	does string
}

var bindings = []keyBinding{
	{"q / Ctrl+C", "Quit (stops the agent)"},
	{"d / Ctrl+D", "Detach (agent keeps running)"},
	{"j / Down", "Scroll down"},
	{"k / Up", "Scroll up"},
	{"G", "Jump to bottom, resume follow"},
	{"g", "Jump to top"},
	{"?", "Toggle this help"},
}

type helpModel struct {
	visible bool
}

func newHelp() helpModel {
	return helpModel{}
}

func (h *helpModel) toggle() {
	h.visible = !h.visible
}

// bar is the one-line hint pinned under the log panel.
func (h helpModel) bar() string {
	hints := make([]string, 0, len(bindings))
	for _, b := range bindings {
		switch b.keys {
		case "q / Ctrl+C":
			hints = append(hints, "q quit")
		case "d / Ctrl+D":
			hints = append(hints, "d detach")
		case "j / Down":
			hints = append(hints, "j/k scroll")
		case "G":
			hints = append(hints, "G bottom")
		case "?":
			hints = append(hints, "? help")
		}
	}
	return tui.Help.Render("  " + strings.Join(hints, "  "))
}

// View renders the full-screen shortcut reference.
func (h helpModel) View() string {
	keyWidth := 0
	for _, b := range bindings {
		if len(b.keys) > keyWidth {
			keyWidth = len(b.keys)
		}
	}

	keyStyle := lipgloss.NewStyle().
		Foreground(tui.ColorAccent).
		Bold(true).
		Width(keyWidth + 3)
	doesStyle := lipgloss.NewStyle().Foreground(tui.ColorText)

	var sb strings.Builder
	sb.WriteString(tui.Title.Render("Keyboard Shortcuts"))
	sb.WriteString("\n\n")
	for _, b := range bindings {
		sb.WriteString("  ")
		sb.WriteString(keyStyle.Render(b.keys))
		sb.WriteString(doesStyle.Render(b.does))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(tui.Help.Render("  Press ? to close"))

	return lipgloss.NewStyle().Padding(1, 2).Render(sb.String())
}

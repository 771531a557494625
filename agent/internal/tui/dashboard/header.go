package dashboard

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/sploots-ai/sploots/agent/internal/agent"
	"github.com/sploots-ai/sploots/agent/internal/tui"
)

type headerModel struct {
	status agent.Status
}

func newHeader(status agent.Status) headerModel {
	return headerModel{status: status}
}

func (h *headerModel) update(status agent.Status) {
	h.status = status
}

func (h headerModel) View(width int) string {
	left := tui.Title.Render("Sploots Agent")

	dot := tui.StatusDot(h.status.Connected, h.status.Reconnecting)
	statusLabel := tui.StatusText(h.status.Connected, h.status.Reconnecting)

	right := fmt.Sprintf("%s  %s %s", h.status.HubURL, dot, statusLabel)

	info := fmt.Sprintf("  Agent: %s   Received: %d   Replied: %d   Uptime: %s",
		h.status.AgentID, h.status.Received, h.status.Replied, h.formatUptime())

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(width - 2).
		Padding(0, 1)

	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(width-lipgloss.Width(left)-lipgloss.Width(right)-6).Render(""),
		right,
	)

	return headerStyle.Render(firstRow + "\n" + tui.Description.Render(info))
}

func (h headerModel) formatUptime() string {
	if h.status.StartedAt.IsZero() {
		return "-"
	}
	d := time.Since(h.status.StartedAt)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

package dashboard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/sploots-ai/sploots/agent/internal/eventbus"
	"github.com/sploots-ai/sploots/agent/internal/tui"
)

// maxScrollback bounds the log panel's line history.
const maxScrollback = 1000

type logsModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
}

func newLogs() logsModel {
	return logsModel{
		viewport:   viewport.New(80, 10),
		autoScroll: true,
	}
}

func (l *logsModel) SetSize(width, height int) {
	l.viewport.Width = width
	l.viewport.Height = height
}

func (l *logsModel) addEvent(msg EventMsg) {
	l.lines = append(l.lines, l.formatEvent(msg))
	if len(l.lines) > maxScrollback {
		l.lines = l.lines[len(l.lines)-maxScrollback:]
	}

	l.viewport.SetContent(strings.Join(l.lines, "\n"))
	if l.autoScroll {
		l.viewport.GotoBottom()
	}
}

func (l logsModel) formatEvent(msg EventMsg) string {
	if msg.Type == eventbus.LogEntry {
		if line, ok := formatLogEntry(msg.Data); ok {
			return line
		}
	}
	// Non-log bus events render as type plus raw payload.
	ts := time.Now().Format("15:04:05")
	return fmt.Sprintf("  %s %s  %s", ts, tui.Dimmed.Render(msg.Type), string(msg.Data))
}

func formatLogEntry(data []byte) (string, bool) {
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", false
	}
	level, _ := entry["level"].(string)
	message, _ := entry["msg"].(string)

	ts := time.Now()
	if raw, ok := entry["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ts = parsed
		}
	}

	// Sorted so attrs don't jump around between repaints.
	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k == "level" || k == "msg" || k == "time" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, entry[k]))
	}

	line := fmt.Sprintf("  %s %s  %s",
		ts.Format("15:04:05"),
		tui.LogLevelStyle(level).Render(fmt.Sprintf("%-5s", level)),
		message)
	if len(attrs) > 0 {
		line += "  " + tui.Dimmed.Render(strings.Join(attrs, " "))
	}
	return line, true
}

func (l logsModel) Update(msg tea.Msg) (logsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "G":
			l.autoScroll = true
			l.viewport.GotoBottom()
			return l, nil
		case "g":
			l.autoScroll = false
			l.viewport.GotoTop()
			return l, nil
		case "j", "down", "k", "up":
			// Manual scrolling pauses follow mode until G resumes it.
			l.autoScroll = false
		}
	}

	var cmd tea.Cmd
	l.viewport, cmd = l.viewport.Update(msg)
	return l, cmd
}

func (l logsModel) View() string {
	return l.viewport.View()
}

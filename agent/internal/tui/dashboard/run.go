package dashboard

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/sploots-ai/sploots/agent/internal/agent"
	"github.com/sploots-ai/sploots/agent/internal/eventbus"
)

// Run displays the dashboard until the user quits or detaches, forwarding
// bus events into the log panel and refreshing the status header once a
// second. Canceling the context closes the dashboard. Returns true when the
// user detached (agent keeps running).
func Run(ctx context.Context, bus *eventbus.Bus, status func() agent.Status) (detached bool, err error) {
	m := NewModel(status())
	p := tea.NewProgram(m, tea.WithAltScreen())

	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	go func() {
		for evt := range ch {
			p.Send(EventMsg{Type: evt.Type, Data: evt.Data})
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				p.Quit()
				return
			case <-ticker.C:
				p.Send(StatusUpdateMsg{Status: status()})
			}
		}
	}()

	final, err := p.Run()
	if err != nil {
		return false, fmt.Errorf("dashboard error: %w", err)
	}

	if fm, ok := final.(Model); ok {
		return fm.Detached(), nil
	}
	return false, nil
}

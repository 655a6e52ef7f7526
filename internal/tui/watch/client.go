package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/kmorwood/stevedore/internal/client"
	"github.com/kmorwood/stevedore/internal/events"
	"github.com/kmorwood/stevedore/internal/registry"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string
	UptimeSeconds int64
	PluginsKnown  int
	PluginsActive int
}

type pluginsMsg []registry.Status

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents streams the SSE /events feed into ch. Returns
// sseDisconnectedMsg when the connection drops so the model can reconnect.
func subscribeToEvents(c *client.Client, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = c.StreamEvents(context.Background(), 0, func(ev events.Event) {
			ch <- ev
		})
		return sseDisconnectedMsg{}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(c *client.Client) tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h, err := c.Health(ctx)
	if err != nil {
		return errMsg(err)
	}
	return healthMsg{
		Status:        h.Status,
		UptimeSeconds: h.UptimeSeconds,
		PluginsKnown:  h.PluginsKnown,
		PluginsActive: h.PluginsActive,
	}
}

func fetchPlugins(c *client.Client) tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	list, err := c.List(ctx)
	if err != nil {
		return errMsg(err)
	}
	return pluginsMsg(list)
}

package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/kmorwood/stevedore/internal/client"
	"github.com/kmorwood/stevedore/internal/events"
	"github.com/kmorwood/stevedore/internal/registry"
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	api *client.Client

	width  int
	height int

	// State
	health   HealthState
	plugins  []registry.Status
	eventLog []events.Event

	pluginTable table.Model

	theme Theme

	// Communication
	hubEvents chan events.Event

	lastError string
}

// HealthState tracks daemon health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	PluginsKnown  int
	PluginsActive int
	Connected     bool
	LastCheck     time.Time
}

// New creates a new watch TUI model.
func New(api *client.Client) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Plugin", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		api:         api,
		eventLog:    make([]events.Event, 0),
		hubEvents:   make(chan events.Event, 100),
		pluginTable: t,
		theme:       NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.api, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.api) },
		func() tea.Msg { return fetchPlugins(m.api) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			// Rescan the default plugin directory. The plugin list refreshes
			// when the resulting lifecycle events arrive.
			return m, func() tea.Msg {
				if _, err := m.api.Rescan(context.Background()); err != nil {
					return errMsg(err)
				}
				return fetchPlugins(m.api)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.pluginTable.SetWidth(m.width - 6)

	case tickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}

		m.health.Connected = true
		m.lastError = ""

		// Lifecycle events change the plugin set; refresh the table.
		return m, tea.Batch(
			receiveNextEvent(m.hubEvents),
			func() tea.Msg { return fetchPlugins(m.api) },
		)

	case pluginsMsg:
		m.plugins = msg
		m.updateTable()

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.PluginsKnown = msg.PluginsKnown
		m.health.PluginsActive = msg.PluginsActive
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.api)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.api, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.api)
		})
	}

	m.pluginTable, cmd = m.pluginTable.Update(msg)
	return m, cmd
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.plugins))
	for _, p := range m.plugins {
		sym := m.theme.StatusPending.Render("◉")
		if p.Active {
			sym = m.theme.StatusOK.Render("●")
		}
		rows = append(rows, table.Row{sym, p.Name})
	}
	m.pluginTable.SetRows(rows)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing stevedore watch..."
	}

	header := renderHeader(m.health, m.theme, m.width)

	pluginsView := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("PLUGINS"),
			m.pluginTable.View(),
		),
	)

	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Rescan • [↑/↓] Navigate")

	parts := []string{header, pluginsView, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

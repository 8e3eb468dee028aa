// Package tui implements `switchboard monitor`, a live view of dispatches,
// interactions and channel locks fed by the API's event stream.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/switchboard/internal/events"
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusPending = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusNone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

const maxRows = 200

// Row states.
const (
	rowPending  = "pending"
	rowPosted   = "posted"
	rowOrphaned = "orphaned"
	rowNone     = "none"
)

type dispatchRow struct {
	DispatchID    string
	InteractionID int64
	Site          string
	Channel       string
	Plugin        string
	State         string
	Forced        bool
	At            time.Time
}

type lockRow struct {
	Owner      string
	Transition string
	At         time.Time
}

type Model struct {
	apiURL string
	apiKey string
	ctx    context.Context

	width  int
	height int

	rows          []*dispatchRow
	byInteraction map[int64]*dispatchRow
	locks         map[string]lockRow
	eventLog      []events.Event
	lastEventID   int64
	hubEvents     chan events.Event
	connected     bool
	lastErr       error

	health healthMsg

	table table.Model
}

// NewMonitor creates the monitor model. ctx bounds the event stream.
func NewMonitor(ctx context.Context, apiURL, apiKey string) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Time", Width: 8},
			{Title: "Site", Width: 10},
			{Title: "Channel", Width: 14},
			{Title: "Plugin", Width: 14},
			{Title: "Interaction", Width: 11},
			{Title: "State", Width: 9},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
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

	return Model{
		apiURL:        strings.TrimRight(apiURL, "/"),
		apiKey:        apiKey,
		ctx:           ctx,
		byInteraction: make(map[int64]*dispatchRow),
		locks:         make(map[string]lockRow),
		hubEvents:     make(chan events.Event, 128),
		table:         t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		if h := m.height/2 - 4; h > 3 {
			m.table.SetHeight(h)
		}

	case eventMsg:
		m.connected = true
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, receiveNextEvent(m.hubEvents)

	case sseDisconnectedMsg:
		m.connected = false
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.ctx, m.apiURL, m.apiKey, m.lastEventID, m.hubEvents)

	case healthMsg:
		m.health = msg
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })

	case errMsg:
		m.lastErr = msg.err
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	if e.ID > m.lastEventID {
		m.lastEventID = e.ID
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > 50 {
		m.eventLog = m.eventLog[:50]
	}

	var data struct {
		DispatchID    string `json:"dispatch_id"`
		InteractionID int64  `json:"interaction_id"`
		Site          string `json:"site"`
		ChannelID     string `json:"channel_id"`
		Plugin        string `json:"plugin"`
		Forced        bool   `json:"forced"`
		Transition    string `json:"transition"`
	}
	_ = json.Unmarshal(e.Data, &data)

	switch e.Type {
	case events.DispatchResolved:
		row := &dispatchRow{
			DispatchID:    data.DispatchID,
			InteractionID: data.InteractionID,
			Site:          data.Site,
			Channel:       data.ChannelID,
			Plugin:        data.Plugin,
			Forced:        data.Forced,
			State:         rowNone,
			At:            e.At,
		}
		if data.InteractionID != 0 {
			row.State = rowPending
			if prev, ok := m.byInteraction[data.InteractionID]; ok && prev.State != rowPending {
				row.State = prev.State
			}
			m.byInteraction[data.InteractionID] = row
		}
		m.rows = append([]*dispatchRow{row}, m.rows...)
		if len(m.rows) > maxRows {
			for _, old := range m.rows[maxRows:] {
				delete(m.byInteraction, old.InteractionID)
			}
			m.rows = m.rows[:maxRows]
		}

	case events.InteractionPosted, events.InteractionOrphaned:
		state := rowPosted
		if e.Type == events.InteractionOrphaned {
			state = rowOrphaned
		}
		if row, ok := m.byInteraction[data.InteractionID]; ok {
			row.State = state
		} else {
			// Seen before its dispatch event (replayed out of the ring buffer).
			m.byInteraction[data.InteractionID] = &dispatchRow{InteractionID: data.InteractionID, State: state}
		}

	case events.LockChanged:
		if data.Transition == "released" {
			delete(m.locks, data.ChannelID)
			return
		}
		m.locks[data.ChannelID] = lockRow{Owner: data.Plugin, Transition: data.Transition, At: e.At}
	}
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.rows))
	for _, r := range m.rows {
		rows = append(rows, rowFor(r))
	}
	m.table.SetRows(rows)
}

func rowFor(r *dispatchRow) table.Row {
	sym := statusNone.Render("○")
	switch r.State {
	case rowPending:
		sym = statusPending.Render("◉")
	case rowPosted:
		sym = statusOK.Render("●")
	case rowOrphaned:
		sym = statusFailed.Render("◑")
	}
	plugin := r.Plugin
	if plugin == "" {
		plugin = "-"
	}
	if r.Forced {
		plugin += " 🔒"
	}
	id := "-"
	if r.InteractionID != 0 {
		id = strconv.FormatInt(r.InteractionID, 10)
	}
	return table.Row{sym, r.At.Local().Format("15:04:05"), r.Site, r.Channel, plugin, id, r.State}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	dispatches := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Dispatches"),
			m.table.View(),
		),
	)
	locks := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Channel Locks"),
			m.renderLocks(),
		),
	)
	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll")

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(), dispatches, locks, eventsView, help,
	))
}

func (m Model) renderHeader() string {
	status := statusOK.Render("CONNECTED")
	switch {
	case !m.connected:
		status = statusPending.Render("CONNECTING")
	case m.health.Status != "" && m.health.Status != "ok":
		status = statusFailed.Render("DEGRADED")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime),
		fmt.Sprintf("Plugins: %d", m.health.PluginsLoaded),
		fmt.Sprintf("Sites: %d", len(m.health.Sites)),
		fmt.Sprintf("Locked: %d", len(m.locks)),
	}
	cells := make([]string, len(items))
	w := (m.width - 4) / len(items)
	for i, it := range items {
		cells[i] = lipgloss.NewStyle().Width(w).Render(it)
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderLocks() string {
	if len(m.locks) == 0 {
		return "  No locked channels"
	}
	channels := make([]string, 0, len(m.locks))
	for c := range m.locks {
		channels = append(channels, c)
	}
	sort.Strings(channels)

	lines := make([]string, 0, len(channels))
	for _, c := range channels {
		l := m.locks[c]
		lines = append(lines, fmt.Sprintf("%-20s %-14s %-9s %s", c, l.Owner, l.Transition, l.At.Local().Format("15:04:05")))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-20s | %s", e.At.Local().Format("15:04:05"), e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

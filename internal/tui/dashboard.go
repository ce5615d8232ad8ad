// Package tui implements the live coordination dashboard using Bubble Tea.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/farmhand-dev/farmhand/internal/config"
	"github.com/farmhand-dev/farmhand/internal/registry"
)

// refreshInterval is how often the dashboard polls the registry.
const refreshInterval = 2 * time.Second

// snapshot holds one polled view of the registry.
type snapshot struct {
	Claims    []registry.Claim
	Pending   int
	Dead      int
	Completed int
	Err       error
}

// tickMsg triggers the next registry poll.
type tickMsg time.Time

// snapshotMsg delivers a polled snapshot to the model.
type snapshotMsg snapshot

// dashboardModel is the Bubble Tea model for "farmhand status --watch".
type dashboardModel struct {
	store *registry.Store
	cfg   *config.Config
	table table.Model

	snap      snapshot
	lastFetch time.Time
	width     int
	height    int
}

// RunDashboard starts the live dashboard and blocks until the user quits.
func RunDashboard(store *registry.Store, cfg *config.Config) error {
	columns := []table.Column{
		{Title: "AGENT", Width: 10},
		{Title: "ITEM", Width: 14},
		{Title: "PHASE", Width: 12},
		{Title: "HEARTBEAT", Width: 10},
		{Title: "KEYS", Width: 40},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true).
		Foreground(lipgloss.Color(primaryColor))
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color(primaryColor))
	t.SetStyles(s)

	m := dashboardModel{
		store: store,
		cfg:   cfg,
		table: t,
	}

	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.fetch, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch polls the registry for the current coordination state.
func (m dashboardModel) fetch() tea.Msg {
	var snap snapshot

	claims, err := m.store.ActiveClaims()
	if err != nil {
		snap.Err = err
		return snapshotMsg(snap)
	}
	snap.Claims = claims

	if pending, err := m.store.PendingItems(); err == nil {
		snap.Pending = len(pending)
	}
	if dead, err := m.store.DeadItems(); err == nil {
		snap.Dead = len(dead)
	}
	if completed, err := m.store.CompletedEntries(); err == nil {
		snap.Completed = len(completed)
	}

	return snapshotMsg(snap)
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(max(4, m.height-10))
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch, tick())

	case snapshotMsg:
		m.snap = snapshot(msg)
		m.lastFetch = time.Now()
		m.table.SetRows(claimRows(m.snap.Claims))
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// claimRows converts active claims into table rows, marking stale heartbeats.
func claimRows(claims []registry.Claim) []table.Row {
	rows := make([]table.Row, 0, len(claims))
	for _, c := range claims {
		age := time.Since(c.LastHeartbeatAt).Round(time.Second)
		rows = append(rows, table.Row{
			c.AgentID,
			shorten(c.WorkItemID, 14),
			c.Status,
			age.String(),
			strings.Join(c.ResourceKeys, ","),
		})
	}
	return rows
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func (m dashboardModel) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("farmhand coordination dashboard"))
	b.WriteString("\n\n")

	if m.snap.Err != nil {
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("registry error: %v", m.snap.Err)))
		b.WriteString("\n\n")
	}

	counts := fmt.Sprintf("%s active   %s queued   %s completed   %s dead",
		TitleStyle.Render(fmt.Sprintf("%d", len(m.snap.Claims))),
		WarningStyle.Render(fmt.Sprintf("%d", m.snap.Pending)),
		SuccessStyle.Render(fmt.Sprintf("%d", m.snap.Completed)),
		ErrorStyle.Render(fmt.Sprintf("%d", m.snap.Dead)),
	)
	b.WriteString(counts)
	b.WriteString("\n\n")

	if len(m.snap.Claims) == 0 {
		b.WriteString(DimStyle.Render("No active claims."))
		b.WriteString("\n")
	} else {
		b.WriteString(BoxStyle.Render(m.table.View()))
		b.WriteString("\n")
	}

	refreshed := "never"
	if !m.lastFetch.IsZero() {
		refreshed = m.lastFetch.Format("15:04:05")
	}
	b.WriteString("\n")
	b.WriteString(StatusBarStyle.Render(fmt.Sprintf("refreshed %s   q: quit", refreshed)))
	b.WriteString("\n")

	return b.String()
}

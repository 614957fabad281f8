// Package tui provides the interactive terminal dashboard for meshctl.
// It is built on the bubbletea/lipgloss stack and renders four tabs:
// Nodes, Routes, Trust and Network. Data is refreshed every 2 seconds
// through the control plane API.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/relaymesh/relaymesh/pkg/client"
	"github.com/relaymesh/relaymesh/pkg/registry"
)

// ---------------------------------------------------------------------------
// Shared styles
// ---------------------------------------------------------------------------

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("24")).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("24")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Padding(0, 2)

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			PaddingRight(1)

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			PaddingRight(1)

	// altRowStyle gives even rows zebra striping.
	altRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Background(lipgloss.Color("236")).
			PaddingRight(1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Width(22)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingLeft(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true).
			PaddingLeft(1)
)

// ---------------------------------------------------------------------------
// Tab type
// ---------------------------------------------------------------------------

type tab int

const (
	tabNodes tab = iota
	tabRoutes
	tabTrust
	tabNetwork
	tabCount // must stay last
)

// ---------------------------------------------------------------------------
// Tea messages
// ---------------------------------------------------------------------------

type tickMsg time.Time

// dataMsg carries a freshly fetched dataset.
type dataMsg struct {
	nodes   []NodeRow
	routes  []RouteRow
	events  []EventRow
	network *registry.NetworkStatus
}

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

const (
	refreshInterval = 2 * time.Second
	fetchTimeout    = 5 * time.Second
	routeLimit      = 50
	eventLimit      = 50
)

// Model is the top-level bubbletea model for the dashboard.
type Model struct {
	tabs      []string
	activeTab tab
	nodes     []NodeRow
	routes    []RouteRow
	events    []EventRow
	network   *registry.NetworkStatus
	api       client.APIClient
	serverURL string
	width     int
	height    int
	err       error
	loading   bool
	lastFetch time.Time
}

// New returns a Model that reads from api. serverURL is only displayed.
func New(api client.APIClient, serverURL string) Model {
	return Model{
		tabs:      []string{"Nodes", "Routes", "Trust", "Network"},
		api:       api,
		serverURL: serverURL,
		loading:   true,
	}
}

// Init starts the periodic tick and issues the first data fetch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), fetchData(m.api))
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update processes messages and returns an updated model plus any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "right", "l":
			m.activeTab = (m.activeTab + 1) % tabCount
		case "shift+tab", "left", "h":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		case "1":
			m.activeTab = tabNodes
		case "2":
			m.activeTab = tabRoutes
		case "3":
			m.activeTab = tabTrust
		case "4":
			m.activeTab = tabNetwork
		case "r":
			m.loading = true
			m.err = nil
			return m, fetchData(m.api)
		}
		return m, nil

	case tickMsg:
		m.loading = true
		return m, tea.Batch(tick(), fetchData(m.api))

	case dataMsg:
		m.loading = false
		m.err = nil
		m.nodes = msg.nodes
		m.routes = msg.routes
		m.events = msg.events
		m.network = msg.network
		m.lastFetch = time.Now()
		return m, nil

	case errMsg:
		m.loading = false
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

// View renders the entire dashboard to a string.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading…"
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("  relaymesh Dashboard  "))
	sb.WriteString("\n")

	var tabParts []string
	for i, name := range m.tabs {
		label := fmt.Sprintf(" %d: %s ", i+1, name)
		if tab(i) == m.activeTab {
			tabParts = append(tabParts, activeTabStyle.Render(label))
		} else {
			tabParts = append(tabParts, inactiveTabStyle.Render(label))
		}
	}
	sb.WriteString(strings.Join(tabParts, ""))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")

	// title(1) + tabs(1) + divider(1) + status(2)
	contentHeight := max(m.height-5, 1)
	sb.WriteString(clipLines(m.renderActiveTab(), contentHeight))
	sb.WriteString("\n")

	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")
	sb.WriteString(m.renderStatus())
	return sb.String()
}

func (m Model) renderActiveTab() string {
	w := m.width - 2
	switch m.activeTab {
	case tabNodes:
		return renderNodes(m.nodes, w)
	case tabRoutes:
		return renderRoutes(m.routes, w)
	case tabTrust:
		return renderEvents(m.events, w)
	case tabNetwork:
		return renderNetwork(m.network)
	default:
		return ""
	}
}

func (m Model) renderStatus() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v", m.err))
	}

	parts := []string{
		fmt.Sprintf("server: %s", m.serverURL),
	}
	if !m.lastFetch.IsZero() {
		parts = append(parts, fmt.Sprintf("last refresh: %s", m.lastFetch.Format("15:04:05")))
	}
	if m.loading {
		parts = append(parts, "refreshing…")
	}
	parts = append(parts, "q: quit  tab: next tab  r: refresh")
	return statusBarStyle.Render(strings.Join(parts, "  |  "))
}

// clipLines limits s to at most maxLines lines.
func clipLines(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[:maxLines], "\n")
}

// ---------------------------------------------------------------------------
// Data fetching
// ---------------------------------------------------------------------------

func fetchData(api client.APIClient) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		nodes, err := api.ListNodes(ctx, client.NodeQuery{})
		if err != nil {
			return errMsg{fmt.Errorf("list nodes: %w", err)}
		}
		routes, err := api.ListRoutes(ctx, "", routeLimit)
		if err != nil {
			return errMsg{fmt.Errorf("list routes: %w", err)}
		}
		events, err := api.ListTrustEvents(ctx, "", eventLimit)
		if err != nil {
			return errMsg{fmt.Errorf("list trust events: %w", err)}
		}
		network, err := api.NetworkStatus(ctx)
		if err != nil {
			return errMsg{fmt.Errorf("network status: %w", err)}
		}
		return dataMsg{
			nodes:   nodeRows(nodes),
			routes:  routeRows(routes),
			events:  eventRows(events),
			network: network,
		}
	}
}

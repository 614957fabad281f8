package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/pkg/client"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/registry"
)

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	return next.(Model)
}

func TestFetchDataFromMock(t *testing.T) {
	msg := fetchData(&client.MockClient{})()
	data, ok := msg.(dataMsg)
	require.True(t, ok, "got %T", msg)
	assert.Len(t, data.nodes, 4)
	assert.Len(t, data.routes, 2)
	assert.Len(t, data.events, 3)
	require.NotNil(t, data.network)
	assert.Equal(t, "alice -> bob", data.routes[0].Pair)
	assert.Equal(t, "2", data.routes[0].Hops)
	assert.Equal(t, "+1.5", data.events[0].Delta)
}

type failingClient struct{ client.MockClient }

func (failingClient) ListRoutes(context.Context, string, int) ([]model.Route, error) {
	return nil, errors.New("boom")
}

func TestFetchDataError(t *testing.T) {
	msg := fetchData(&failingClient{})()
	e, ok := msg.(errMsg)
	require.True(t, ok, "got %T", msg)
	assert.Contains(t, e.Error(), "list routes: boom")
}

func TestViewTabsAndData(t *testing.T) {
	m := sized(t, New(&client.MockClient{}, "http://cp:8080"))
	assert.Contains(t, m.View(), "No nodes found.")

	next, _ := m.Update(fetchData(&client.MockClient{})())
	m = next.(Model)
	view := m.View()
	assert.Contains(t, view, "relaymesh Dashboard")
	assert.Contains(t, view, "node-relay-lon-01")
	assert.Contains(t, view, "verified")
	assert.Contains(t, view, "server: http://cp:8080")
	assert.Contains(t, view, "last refresh:")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")})
	m = next.(Model)
	assert.Contains(t, m.View(), "alice -> bob")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	assert.Equal(t, tabTrust, m.activeTab)
	assert.Contains(t, m.View(), "relay_help")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRight})
	m = next.(Model)
	assert.Contains(t, m.View(), "Eligible relays")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, tabNodes, next.(Model).activeTab)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, tabTrust, next.(Model).activeTab)
}

func TestErrorShownInStatusBar(t *testing.T) {
	m := sized(t, New(&client.MockClient{}, "http://cp:8080"))
	next, _ := m.Update(errMsg{errors.New("connection refused")})
	m = next.(Model)
	assert.False(t, m.loading)
	assert.Contains(t, m.View(), "Error: connection refused")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	m = next.(Model)
	assert.NotNil(t, cmd)
	assert.Nil(t, m.err)
	assert.True(t, m.loading)
}

func TestQuit(t *testing.T) {
	m := New(&client.MockClient{}, "")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	assert.Equal(t, "Loading…", m.View())
}

func TestTruncateAndClip(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 3))
	assert.Equal(t, "", truncate("abc", 0))
	assert.Equal(t, "a\nb", clipLines("a\nb\nc", 2))
	assert.Equal(t, 6, colWidth(10, 0.1))
}

func TestRenderNetworkNil(t *testing.T) {
	assert.Contains(t, renderNetwork(nil), "No network status yet.")
	assert.Contains(t, renderNetwork(&registry.NetworkStatus{TotalNodes: 3, OnlineNodes: 2}), "3 total, 2 online")
}

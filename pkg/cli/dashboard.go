package cli

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/pkg/tui"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Launch the interactive TUI dashboard",
	Long: `Launch an interactive terminal dashboard that displays live data
about nodes, routes, trust events and network health. Data is refreshed
every 2 seconds from the relaymesh API server.

Key bindings:
  Tab / Shift+Tab  Navigate between tabs
  1 / 2 / 3 / 4    Jump directly to Nodes / Routes / Trust / Network
  r                Force an immediate data refresh
  q / Ctrl+C       Quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := tea.NewProgram(tui.New(apiClient, cfg.ServerURL), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		_, err := p.Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}

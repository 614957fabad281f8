package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via
// -ldflags "-X github.com/relaymesh/relaymesh/pkg/cli.Version=x.y.z".
var Version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the meshctl version and API server reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "meshctl version %s\n", Version)
		if err := apiClient.Health(cmd.Context()); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "API server: %s (unreachable: %v)\n", cfg.ServerURL, err)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "API server: %s (ready)\n", cfg.ServerURL)
		return nil
	},
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for meshctl.

To load completions:

Bash:
  $ source <(meshctl completion bash)

Zsh:
  $ meshctl completion zsh > "${fpath[1]}/_meshctl"

Fish:
  $ meshctl completion fish | source
`,
	ValidArgs:             []string{"bash", "zsh", "fish"},
	Args:                  cobra.ExactArgs(1),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(out)
		case "zsh":
			return rootCmd.GenZshCompletion(out)
		case "fish":
			return rootCmd.GenFishCompletion(out, true)
		default:
			return cmd.Help()
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
}

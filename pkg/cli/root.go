// Package cli implements meshctl, the operator CLI for a relaymesh control
// plane.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/pkg/client"
	"github.com/relaymesh/relaymesh/pkg/config"
	"github.com/relaymesh/relaymesh/pkg/output"
)

var (
	// Global flags
	cfgFile      string
	outputFormat string
	serverURL    string
	authToken    string
	dryRun       bool // --dry-run: print actions without executing them
	yesFlag      bool // --yes: skip confirmation prompts for destructive operations

	// Shared state set during PersistentPreRun
	cfg       *config.CLI
	apiClient client.APIClient
	formatter output.Formatter

	// injected by tests; takes precedence over the HTTP client.
	injectedClient client.APIClient
	stdin          io.Reader = os.Stdin
)

var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "relaymesh CLI: manage nodes, routes, trust and abuse reports",
	Long: `meshctl is the operator CLI for a relaymesh control plane.
It registers and inspects mesh nodes, requests and scores call routes,
records trust events, files abuse reports, and shows live network status.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultCLIPath()
		}
		var err error
		cfg, err = config.LoadCLI(path, cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if serverURL != "" {
			cfg.ServerURL = serverURL
		}
		if authToken != "" {
			cfg.AuthToken = authToken
		}
		if outputFormat != "" {
			cfg.OutputFormat = outputFormat
		}

		apiClient = injectedClient
		if apiClient == nil {
			apiClient = client.New(cfg.ServerURL, cfg.AuthToken)
		}
		formatter = output.NewFormatter(cfg.OutputFormat)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// SetClient makes every command use c instead of an HTTP client.
func SetClient(c client.APIClient) {
	injectedClient = c
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

// render prints full for json and yaml output and rows for tables.
func render(cmd *cobra.Command, full, rows any) {
	if _, ok := formatter.(*output.TableFormatter); ok && rows != nil {
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(rows))
		return
	}
	fmt.Fprint(cmd.OutOrStdout(), formatter.Format(full))
}

// renderNested prints values whose nested fields a table would hide. Table
// output falls back to YAML.
func renderNested(cmd *cobra.Command, v any) {
	if _, ok := formatter.(*output.TableFormatter); ok {
		fmt.Fprint(cmd.OutOrStdout(), (&output.YAMLFormatter{}).Format(v))
		return
	}
	fmt.Fprint(cmd.OutOrStdout(), formatter.Format(v))
}

// confirm asks a yes/no question unless --yes was given.
func confirm(cmd *cobra.Command, prompt string) bool {
	if yesFlag {
		return true
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(stdin)
	scanner.Scan()
	if strings.ToLower(strings.TrimSpace(scanner.Text())) != "y" {
		fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
		return false
	}
	return true
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.relaymesh/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: table, json, yaml (default \"table\")")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "relaymesh API server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "API bearer token")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "print actions that would be taken without executing them")
	rootCmd.PersistentFlags().BoolVar(&yesFlag, "yes", false, "skip confirmation prompts for destructive operations")
}

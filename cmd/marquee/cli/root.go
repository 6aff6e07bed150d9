package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/marqueeapi/marquee/internal/config"
)

var (
	cfgFile    string
	dataDir    string
	appVersion string // set in Execute, advertised by serve and mcp
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "marquee",
		Short: "Authentication and API-key service for the Marquee movie API",
		Long: `Marquee issues and verifies the credentials of the movie-recommendation API.

It manages API keys bound to subscription plans, exchanges them for short-lived
JWT access tokens, authenticates every request and enforces per-plan rate limits.
An MCP server lets operators drive the key lifecycle from an AI agent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./marquee.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store (default: ~/.marquee)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newOpenAPICmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newBenchmarkCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// newViper returns a viper instance configured from --config and the
// MARQUEE_* environment.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	if err := config.ConfigureViper(v, cfgFile); err != nil {
		return nil, err
	}
	return v, nil
}

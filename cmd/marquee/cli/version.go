package cli

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/store"
	"github.com/marqueeapi/marquee/internal/token"
)

// buildInfo is what `marquee version` reports. Besides the build stamp it
// names the credential formats this binary issues, so operators can tell
// whether two deployments can verify each other's tokens and keys.
type buildInfo struct {
	Version      string   `json:"version"`
	Commit       string   `json:"commit"`
	Built        string   `json:"built"`
	GoVersion    string   `json:"go_version"`
	Platform     string   `json:"platform"`
	TokenAlg     string   `json:"token_alg"`
	KeyPrefix    string   `json:"key_prefix"`
	StoreDrivers []string `json:"store_drivers"`
}

func newVersionCmd(version, commit, date string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and credential format information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := buildInfo{
				Version:      version,
				Commit:       commit,
				Built:        date,
				GoVersion:    runtime.Version(),
				Platform:     runtime.GOOS + "/" + runtime.GOARCH,
				TokenAlg:     token.Algorithm,
				KeyPrefix:    apikey.Prefix,
				StoreDrivers: []string{store.DriverSQLite, store.DriverPostgres, store.DriverMySQL, store.DriverSQLServer},
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), info)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "marquee %s (%s, built %s)\n", info.Version, info.Commit, info.Built)
			fmt.Fprintf(w, "  go:      %s %s\n", info.GoVersion, info.Platform)
			fmt.Fprintf(w, "  tokens:  %s\n", info.TokenAlg)
			fmt.Fprintf(w, "  keys:    %s<64 hex>\n", info.KeyPrefix)
			fmt.Fprintf(w, "  stores:  %s\n", strings.Join(info.StoreDrivers, ", "))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	return cmd
}

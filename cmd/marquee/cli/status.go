package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check if the Marquee server is running",
		Long:  "Query the readiness endpoint of a running server and report the state of its credential store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				cfg, err := loadConfig(cmd, nil)
				if err != nil {
					return err
				}
				host := cfg.Server.Host
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				url = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
			}
			return runStatus(cmd, strings.TrimRight(url, "/"))
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Server base URL (default: from server.host and server.port)")

	return cmd
}

func runStatus(cmd *cobra.Command, baseURL string) error {
	out := cmd.OutOrStdout()
	readyAddr := baseURL + "/readyz"

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(readyAddr)
	if err != nil {
		fmt.Fprintf(out, "Server is not responding at %s\n", baseURL)
		return nil
	}
	defer resp.Body.Close()

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(out, "Server at %s returned %d with an unreadable body\n", baseURL, resp.StatusCode)
		return nil
	}

	fmt.Fprintf(out, "Server is %s (%d)\n", body.Status, resp.StatusCode)
	fmt.Fprintf(out, "  Ready:   %s\n", readyAddr)
	names := make([]string, 0, len(body.Checks))
	for name := range body.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-8s %s\n", name+":", body.Checks[name])
	}
	return nil
}

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marqueeapi/marquee/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var outputFile string

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long: `Generate the OpenAPI 3.1 document for the Marquee auth and key-management API.
Header names and the server URL follow the effective configuration.`,
		Example: `  marquee openapi                 # print to stdout
  marquee openapi -o openapi.json # write to file`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			doc := openapi.Generate(openapi.Options{
				BaseURL:           cfg.Server.BaseURL,
				Version:           versionString(),
				APIKeyHeader:      cfg.Auth.APIKeyHeader,
				AdminSecretHeader: cfg.Auth.AdminSecretHeader,
			})
			body, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("encode openapi document: %w", err)
			}
			if outputFile == "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return err
			}
			if err := os.WriteFile(outputFile, append(body, '\n'), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outputFile, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", outputFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the document to a file instead of stdout")

	return cmd
}

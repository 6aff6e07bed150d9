package cli

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marqueeapi/marquee/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage Marquee configuration",
		Long:  "Initialize a default configuration file, validate one, or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigValidateCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var (
		force   bool
		path    string
		secrets bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default marquee.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if secrets {
				var err error
				if cfg.Auth.JWTSecret, err = randomSecret(); err != nil {
					return err
				}
				if cfg.Auth.AdminSecret, err = randomSecret(); err != nil {
					return err
				}
			}
			if err := config.WriteFile(path, cfg, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			if !secrets {
				fmt.Fprintln(cmd.OutOrStdout(), "Set auth.jwt_secret (or MARQUEE_AUTH_JWT_SECRET), then run 'marquee serve'.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")
	cmd.Flags().StringVarP(&path, "output", "o", "marquee.yaml", "Path of the file to write")
	cmd.Flags().BoolVar(&secrets, "generate-secrets", false, "Fill in random signing and admin secrets")

	return cmd
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper()
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if file := v.ConfigFileUsed(); file != "" {
				fmt.Fprintf(out, "# Config file: %s\n", file)
			} else {
				fmt.Fprintln(out, "# Config file: (none found, using defaults and environment)")
			}

			display := *cfg
			if !showSecrets {
				display = cfg.Redacted()
			}
			body, err := display.YAML()
			if err != nil {
				return err
			}
			_, err = out.Write(body)
			return err
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print secrets in clear text")

	return cmd
}

// ---------- config validate ----------

func newConfigValidateCmd() *cobra.Command {
	var serve bool

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a configuration file",
		Long:  "Parse a YAML configuration file, expanding ${VAR} references, and report every invalid value.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(args[0])
			if err != nil {
				return err
			}
			check := cfg.Validate
			if serve {
				check = cfg.ValidateServe
			}
			if err := check(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&serve, "serve", false, "Also require the secrets 'marquee serve' needs")

	return cmd
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/model"
)

// cliActor is recorded as createdBy on keys provisioned from the CLI.
const cliActor = "cli"

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, inspect, update, revoke and rotate the API keys clients use to obtain tokens.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyGetCmd())
	cmd.AddCommand(newKeyUpdateCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyRotateCmd())

	return cmd
}

// withManager opens the credential store and runs fn with a key manager
// over it.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, keys *apikey.Manager) error) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	keys, err := newManager(st, cfg, logger)
	if err != nil {
		return err
	}
	defer keys.Close()

	return fn(ctx, keys)
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		plan        string
		permissions []string
		requests    int
		window      string
		expiresIn   string
		description string
		metadata    map[string]string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key bound to a plan. The plaintext key is shown once and cannot be retrieved again.",
		Example: `  marquee key create --plan pro --description "mobile app"
  marquee key create --plan basic --permissions read,recommend --expires-in 30d
  marquee key create --plan enterprise --rate-requests 50000 --rate-window 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := apikey.CreateInput{
				Plan:        model.Plan(plan),
				Description: description,
				Metadata:    metadata,
				CreatedBy:   cliActor,
			}
			if cmd.Flags().Changed("permissions") {
				in.Permissions = permissions
			}
			rl, err := rateLimitFlags(requests, window)
			if err != nil {
				return err
			}
			in.RateLimit = rl
			if expiresIn != "" {
				d, err := model.ParseDuration(expiresIn)
				if err != nil || d <= 0 {
					return fmt.Errorf("invalid --expires-in %q: use a positive duration such as 30d", expiresIn)
				}
				in.ExpiresIn = d
			}

			return withManager(cmd, func(ctx context.Context, keys *apikey.Manager) error {
				rec, err := keys.Create(ctx, in)
				if err != nil {
					return fmt.Errorf("create api key: %w", err)
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), rec)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "API key created:")
				fmt.Fprintln(out)
				fmt.Fprintf(out, "  Key:    %s\n", rec.PlainKey)
				fmt.Fprintf(out, "  ID:     %s\n", rec.KeyID)
				fmt.Fprintf(out, "  Plan:   %s\n", rec.Plan)
				fmt.Fprintf(out, "  Limit:  %d per %s\n", rec.RateLimit.Requests, rec.RateLimit.Window)
				if rec.ExpiresAt != nil {
					fmt.Fprintf(out, "  Expires: %s\n", rec.ExpiresAt.Format(time.RFC3339))
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&plan, "plan", "", "Subscription plan: "+strings.Join(planNames(), ", ")+" (required)")
	cmd.Flags().StringSliceVar(&permissions, "permissions", nil, "Permissions (default: the plan's)")
	cmd.Flags().IntVar(&requests, "rate-requests", 0, "Requests per window (default: the plan's)")
	cmd.Flags().StringVar(&window, "rate-window", "", "Rate limit window such as 1m, 1h or 1d")
	cmd.Flags().StringVar(&expiresIn, "expires-in", "", "Lifetime such as 30d (default: never expires)")
	cmd.Flags().StringVar(&description, "description", "", "Human-readable description")
	cmd.Flags().StringToStringVar(&metadata, "metadata", nil, "Metadata as key=value pairs")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("plan")

	return cmd
}

// rateLimitFlags returns nil when neither flag is set.
func rateLimitFlags(requests int, window string) (*model.RateLimit, error) {
	if requests == 0 && window == "" {
		return nil, nil
	}
	if requests <= 0 || window == "" {
		return nil, errors.New("--rate-requests and --rate-window must be set together")
	}
	rl := &model.RateLimit{Requests: requests, Window: window}
	if err := rl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit: %w", err)
	}
	return rl, nil
}

func planNames() []string {
	plans := model.Plans()
	out := make([]string, len(plans))
	for i, p := range plans {
		out[i] = string(p)
	}
	return out
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		status     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := model.KeyStatus(status)
			if st != "" && !st.Valid() {
				return fmt.Errorf("invalid --status %q: use active, revoked or expired", status)
			}
			return withManager(cmd, func(ctx context.Context, keys *apikey.Manager) error {
				recs, err := keys.List(ctx, st)
				if err != nil {
					return fmt.Errorf("list api keys: %w", err)
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), recs)
				}
				if len(recs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No API keys found. Use 'marquee key create' to create one.")
					return nil
				}
				printKeyTable(cmd.OutOrStdout(), recs)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only keys in this status (active, revoked, expired)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printKeyTable(w io.Writer, recs []model.APIKey) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tPLAN\tLIMIT\tSTATUS\tEXPIRES\tLAST USED")
	for _, k := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%s\t%s\t%s\t%s\n",
			k.KeyID, k.MaskedKey, k.Plan,
			k.RateLimit.Requests, k.RateLimit.Window,
			k.Status, formatTime(k.ExpiresAt), formatTime(k.LastUsedAt))
	}
	tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// ---------- key get ----------

func newKeyGetCmd() *cobra.Command {
	var sensitive bool

	cmd := &cobra.Command{
		Use:   "get <key-id>",
		Short: "Show one API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, keys *apikey.Manager) error {
				rec, err := keys.Get(ctx, args[0], sensitive)
				if err != nil {
					return fmt.Errorf("get api key: %w", err)
				}
				out := struct {
					*model.APIKey
					Fingerprint string `json:"fingerprint,omitempty"`
				}{APIKey: rec}
				if sensitive {
					out.Fingerprint = rec.KeyHash
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}

	cmd.Flags().BoolVar(&sensitive, "include-sensitive", false, "Include the key's SHA-256 fingerprint")

	return cmd
}

// ---------- key update ----------

func newKeyUpdateCmd() *cobra.Command {
	var (
		plan        string
		permissions []string
		requests    int
		window      string
		status      string
		expiresAt   string
		noExpiry    bool
		description string
		metadata    map[string]string
	)

	cmd := &cobra.Command{
		Use:   "update <key-id>",
		Short: "Change an API key's plan, permissions, limits or status",
		Example: `  marquee key update 3f1c... --plan enterprise
  marquee key update 3f1c... --expires-at 2027-01-01T00:00:00Z
  marquee key update 3f1c... --status revoked`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p apikey.Patch
			flags := cmd.Flags()
			if flags.Changed("plan") {
				pl := model.Plan(plan)
				p.Plan = &pl
			}
			if flags.Changed("permissions") {
				p.Permissions = append([]string{}, permissions...)
			}
			rl, err := rateLimitFlags(requests, window)
			if err != nil {
				return err
			}
			p.RateLimit = rl
			if flags.Changed("status") {
				s := model.KeyStatus(status)
				p.Status = &s
			}
			switch {
			case noExpiry && expiresAt != "":
				return errors.New("--expires-at and --no-expiry are mutually exclusive")
			case noExpiry:
				p.ClearExpiry = true
			case expiresAt != "":
				t, err := time.Parse(time.RFC3339, expiresAt)
				if err != nil {
					return fmt.Errorf("invalid --expires-at: %w", err)
				}
				p.ExpiresAt = &t
			}
			if flags.Changed("description") {
				p.Description = &description
			}
			if flags.Changed("metadata") {
				p.Metadata = metadata
			}

			return withManager(cmd, func(ctx context.Context, keys *apikey.Manager) error {
				rec, err := keys.Update(ctx, args[0], p)
				if err != nil {
					return fmt.Errorf("update api key: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}

	cmd.Flags().StringVar(&plan, "plan", "", "New plan")
	cmd.Flags().StringSliceVar(&permissions, "permissions", nil, "Replace the permission list")
	cmd.Flags().IntVar(&requests, "rate-requests", 0, "Requests per window")
	cmd.Flags().StringVar(&window, "rate-window", "", "Rate limit window such as 1m")
	cmd.Flags().StringVar(&status, "status", "", "New status (revoked or expired)")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "Expiry as an RFC 3339 timestamp")
	cmd.Flags().BoolVar(&noExpiry, "no-expiry", false, "Remove the expiry")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().StringToStringVar(&metadata, "metadata", nil, "Replace metadata with key=value pairs")

	return cmd
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Long:  "Permanently revoke an API key. Tokens already issued for it stop working on the next request that resolves the key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, keys *apikey.Manager) error {
				if _, err := keys.Get(ctx, args[0], false); err != nil {
					return fmt.Errorf("revoke api key: %w", err)
				}
				revoked, err := keys.Revoke(ctx, args[0])
				if err != nil {
					return fmt.Errorf("revoke api key: %w", err)
				}
				if !revoked {
					fmt.Fprintf(cmd.OutOrStdout(), "API key %s was not active; nothing to revoke.\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked API key %s\n", args[0])
				return nil
			})
		},
	}

	return cmd
}

// ---------- key rotate ----------

func newKeyRotateCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Replace an API key with a new one",
		Long:  "Issue a new key with the same plan, permissions and rate limit and revoke the original.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, keys *apikey.Manager) error {
				rec, err := keys.Rotate(ctx, args[0], cliActor)
				if err != nil {
					return fmt.Errorf("rotate api key: %w", err)
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), rec)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "API key %s rotated. Replacement:\n\n", args[0])
				fmt.Fprintf(out, "  Key:  %s\n", rec.PlainKey)
				fmt.Fprintf(out, "  ID:   %s\n", rec.KeyID)
				fmt.Fprintln(out)
				fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

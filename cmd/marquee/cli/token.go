package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/config"
	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/service"
	"github.com/marqueeapi/marquee/internal/token"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and inspect tokens",
		Long:  "Issue token pairs for keys or users, exchange an API key for tokens, and verify access tokens offline.",
	}

	cmd.AddCommand(newTokenIssueCmd())
	cmd.AddCommand(newTokenExchangeCmd())
	cmd.AddCommand(newTokenVerifyCmd())

	return cmd
}

// withTokens opens the store and runs fn with a token service. The signing
// secret must be configured.
func withTokens(cmd *cobra.Command, fn func(ctx context.Context, tokens *service.TokenService) error) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
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

	codec, err := newCodec(cfg, st)
	if err != nil {
		return err
	}
	return fn(ctx, service.NewTokenService(codec, keys, logger))
}

// ---------- token issue ----------

func newTokenIssueCmd() *cobra.Command {
	var (
		keyID       string
		userID      string
		email       string
		plan        string
		permissions []string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token pair for a key or a user",
		Example: `  marquee token issue --key-id 3f1c...
  marquee token issue --user-id u_42 --email ana@example.com --plan pro`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case keyID != "" && userID != "":
				return errors.New("pass either --key-id or --user-id, not both")
			case keyID == "" && userID == "":
				return errors.New("--key-id or --user-id is required")
			}
			return withTokens(cmd, func(ctx context.Context, tokens *service.TokenService) error {
				var (
					pair model.TokenPair
					err  error
				)
				if keyID != "" {
					pair, err = tokens.IssueForKey(ctx, keyID)
				} else {
					id := token.Identity{
						UserID: userID,
						Email:  email,
						Plan:   model.Plan(plan),
					}
					if cmd.Flags().Changed("permissions") {
						id.Permissions = permissions
					}
					pair, err = tokens.IssueForIdentity(id)
				}
				if err != nil {
					return fmt.Errorf("issue token: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), pair)
			})
		},
	}

	cmd.Flags().StringVar(&keyID, "key-id", "", "Issue for this API key")
	cmd.Flags().StringVar(&userID, "user-id", "", "Issue for this user id")
	cmd.Flags().StringVar(&email, "email", "", "Email claim for --user-id tokens")
	cmd.Flags().StringVar(&plan, "plan", string(model.PlanFree), "Plan for --user-id tokens")
	cmd.Flags().StringSliceVar(&permissions, "permissions", nil, "Permissions for --user-id tokens (default: the plan's)")

	return cmd
}

// ---------- token exchange ----------

func newTokenExchangeCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Exchange an API key for a token pair",
		Long:  "Resolve an API key against the store and issue a token pair for it. The key is prompted for when --key is omitted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "API key: ")
				b, err := term.ReadPassword(int(os.Stdin.Fd()))
				if err != nil {
					return fmt.Errorf("failed to read key: %w", err)
				}
				fmt.Fprintln(cmd.ErrOrStderr())
				key = strings.TrimSpace(string(b))
			}
			if !apikey.LooksLikeKey(key) {
				return fmt.Errorf("that does not look like a Marquee API key (expected prefix %q)", apikey.Prefix)
			}
			return withTokens(cmd, func(ctx context.Context, tokens *service.TokenService) error {
				pair, _, err := tokens.Exchange(ctx, key)
				if err != nil {
					return fmt.Errorf("exchange api key: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), pair)
			})
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "API key (prompted if omitted)")

	return cmd
}

// ---------- token verify ----------

func newTokenVerifyCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a token and print its claims",
		Long:  "Check a token's signature and expiry with the configured secret. No store access is needed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			return runTokenVerify(cmd, cfg, args[0], refresh)
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Verify as a refresh token")

	return cmd
}

func runTokenVerify(cmd *cobra.Command, cfg *config.Config, tok string, refresh bool) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	// No ledger: verifying must not consume a refresh token.
	codec, err := newCodec(cfg, nil)
	if err != nil {
		return err
	}

	var claims *token.Claims
	if refresh {
		claims, err = codec.VerifyRefresh(tok)
	} else {
		claims, err = codec.Verify(tok)
	}
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}

	out := map[string]interface{}{
		"kind":        claims.Kind,
		"sub":         claims.Subject,
		"plan":        claims.Plan,
		"permissions": claims.Permissions,
		"rateLimit":   claims.RateLimit,
	}
	if claims.Email != "" {
		out["email"] = claims.Email
	}
	if claims.KeyID != "" {
		out["keyId"] = claims.KeyID
	}
	if claims.ExpiresAt != nil {
		out["expiresAt"] = claims.ExpiresAt.Time.UTC().Format(time.RFC3339)
		out["expiresIn"] = time.Until(claims.ExpiresAt.Time).Round(time.Second).String()
	}
	return printJSON(cmd.OutOrStdout(), out)
}

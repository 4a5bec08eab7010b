package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/replaycast/replaycast/internal/config"
	"github.com/replaycast/replaycast/internal/ledger"
)

var (
	tokenOwner string
	tokenLabel string
	tokenPerms string
)

// openLedger opens the ledger named by the coordinator config.
func openLedger(ctx context.Context) (*ledger.Store, error) {
	cfg, err := config.LoadCoordinator(cfgFile)
	if err != nil {
		return nil, err
	}
	return ledger.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage capability tokens",
	Long: `Creates, lists and revokes the tokens that workers, the bot and API clients
authenticate with. Operates on the ledger named in the coordinator config.`,
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a token and print its secret once",
	Example: `  # Token for a render worker
  replaycast token create --owner ops --label render-01 --perms claim

  # Token for the control-plane bot
  replaycast token create --owner bot --perms submit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		perms, err := ledger.ParsePermissions(tokenPerms)
		if err != nil {
			return err
		}
		store, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		tok, secret, err := store.CreateToken(cmd.Context(), tokenOwner, tokenLabel, perms)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		goodColor.Fprintf(out, "Created token %s (%s)\n", tok.TokenID, tok.Permissions)
		fmt.Fprintf(out, "  %s:\t%s\n", labelColor.Sprint("Secret"), secret)
		warnColor.Fprintln(out, "Store the secret now; it cannot be shown again.")
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		tokens, err := store.ListTokens(cmd.Context())
		if err != nil {
			return err
		}
		if len(tokens) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tokens.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "TOKEN ID\tOWNER\tLABEL\tPERMISSIONS\tCREATED\tSTATE")
		for _, t := range tokens {
			state := goodColor.Sprint("active")
			if t.RevokedAt != nil {
				state = badColor.Sprintf("revoked %s", t.RevokedAt.Local().Format(time.DateOnly))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.TokenID, t.OwnerID, t.Label,
				t.Permissions, t.CreatedAt.Local().Format(time.DateOnly), state)
		}
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token-id>",
	Short: "Revoke a token",
	Long:  `Revokes a token. Connections already open with it stay up until they reconnect.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		err = store.RevokeToken(cmd.Context(), args[0])
		if errors.Is(err, ledger.ErrTokenNotFound) {
			return fmt.Errorf("no active token %s", args[0])
		}
		if err != nil {
			return err
		}
		goodColor.Fprintf(cmd.OutOrStdout(), "Revoked token %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenCreateCmd, tokenListCmd, tokenRevokeCmd)

	tokenCreateCmd.Flags().StringVar(&tokenOwner, "owner", os.Getenv("USER"), "owner recorded on the token")
	tokenCreateCmd.Flags().StringVar(&tokenLabel, "label", "", "label, used as the node name of workers that send none")
	tokenCreateCmd.Flags().StringVar(&tokenPerms, "perms", "claim", "comma-separated permissions: claim, submit, admin")
}

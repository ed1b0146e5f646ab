package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/specquota/pkg/billing/lemonsqueezy"
)

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, resolveCmd, grantCmd)

	resolveCmd.Flags().String("user", "", "internal user ID (required)")
	resolveCmd.Flags().String("email", "", "email to try when stored identifiers are missing")
	resolveCmd.Flags().Bool("sync", false, "apply the resolved subscription to the user's entitlements")
	resolveCmd.Flags().Bool("json", false, "print the result as JSON")
	_ = resolveCmd.MarkFlagRequired("user")

	grantCmd.Flags().String("user", "", "internal user ID (required)")
	grantCmd.Flags().Int("amount", 0, "number of credits to grant (required)")
	grantCmd.Flags().String("reference", "", "idempotency reference, e.g. a support ticket (required)")
	grantCmd.Flags().String("reason", "", "free-text reason stored on the transaction")
	_ = grantCmd.MarkFlagRequired("user")
	_ = grantCmd.MarkFlagRequired("amount")
	_ = grantCmd.MarkFlagRequired("reference")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Run(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the PostgreSQL tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Find a user's Lemon Squeezy subscription and print every lookup attempted",
	Args:  cobra.NoArgs,
	RunE:  runResolve,
}

func runResolve(cmd *cobra.Command, _ []string) error {
	userID, _ := cmd.Flags().GetString("user")
	email, _ := cmd.Flags().GetString("email")
	sync, _ := cmd.Flags().GetBool("sync")
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Billing == nil {
		return fmt.Errorf("billing is disabled in the configuration")
	}

	res, resolveErr := a.Billing.Resolve(cmd.Context(), userID, email)
	if res != nil {
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else {
			printResolve(cmd.OutOrStdout(), res)
		}
	}
	if resolveErr != nil {
		return resolveErr
	}

	if sync {
		status, err := a.Billing.SyncUser(cmd.Context(), userID)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sync: %s\n", status)
	}
	return nil
}

func printResolve(w io.Writer, res *lemonsqueezy.ResolveResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STRATEGY\tOUTCOME\tMS\tDETAIL")
	for _, at := range res.Attempts {
		detail := at.Detail
		if at.Error != "" {
			detail = strings.TrimSpace(detail + " error: " + at.Error)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", at.Strategy, at.Outcome, at.ElapsedMS, detail)
	}
	_ = tw.Flush()

	if res.Subscription == nil {
		fmt.Fprintf(w, "\nno subscription found for %s\n", res.UserID)
		return
	}
	sub := res.Subscription
	fmt.Fprintf(w, "\nsubscription %s via %s: status=%s test_mode=%t\n",
		sub.ID, res.Strategy, sub.Status, sub.TestMode)
}

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant paid credits to a user",
	Long: `Grant paid credits to a user. The reference is the idempotency key:
running the command twice with the same user, amount and reference grants
once.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID, _ := cmd.Flags().GetString("user")
		amount, _ := cmd.Flags().GetInt("amount")
		reference, _ := cmd.Flags().GetString("reference")
		reason, _ := cmd.Flags().GetString("reason")

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		md := map[string]string{"reference": reference}
		if reason != "" {
			md["reason"] = reason
		}
		res, err := a.Ledger.GrantCredits(cmd.Context(), userID, amount, "admin", md)
		if err != nil {
			return err
		}

		state := "granted"
		if res.AlreadyProcessed {
			state = "already granted"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d credits to %s (tx %s); balance %d\n",
			state, amount, userID, res.TransactionID, res.Entitlements.SpecCredits)
		return nil
	},
}

// Command specquota runs the credits and subscription service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/specquota/internal/app"
	"github.com/mihaimyh/specquota/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "specquota",
	Short: "Spec credits ledger and Lemon Squeezy subscription reconciliation",
	Long: `specquota keeps a per-user credits ledger, applies Lemon Squeezy
webhooks to it, and resolves which subscription belongs to a user when
the local records disagree with the provider.

Configuration is read from --config (or specquota.yaml) and SPECQUOTA_*
environment variables, e.g. SPECQUOTA_BILLING_API_KEY.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadApp reads configuration and builds the application.
func loadApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

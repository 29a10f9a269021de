package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stephnangue/wearlink/cmd/authorize"
	"github.com/stephnangue/wearlink/cmd/helpers"
	"github.com/stephnangue/wearlink/cmd/pull"
	"github.com/stephnangue/wearlink/cmd/ratelimit"
	"github.com/stephnangue/wearlink/cmd/server"
	"github.com/stephnangue/wearlink/cmd/tokens"
	"github.com/stephnangue/wearlink/cmd/webhook"
)

var wearlinkCmd = &cobra.Command{
	Use:   "wearlink",
	Short: "Wearlink connects wearable vendor accounts to your data pipeline",
	Long: `Wearlink holds OAuth grants for wearable vendors (WHOOP, Garmin, Fitbit),
verifies their webhooks, pulls user data on demand and publishes change
events to a queue for downstream workers.`,
	SilenceUsage: true,
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := wearlinkCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	wearlinkCmd.PersistentFlags().StringVarP(&helpers.AddressFlag, "address", "a", "", "Address of the wearlink server (can also use WEARLINK_ADDR env var)")

	wearlinkCmd.AddCommand(server.ServerCmd)
	wearlinkCmd.AddCommand(tokens.TokensCmd)
	wearlinkCmd.AddCommand(authorize.AuthorizeCmd)
	wearlinkCmd.AddCommand(pull.PullCmd)
	wearlinkCmd.AddCommand(pull.BackfillCmd)
	wearlinkCmd.AddCommand(ratelimit.RateLimitCmd)
	wearlinkCmd.AddCommand(webhook.WebhookCmd)
}

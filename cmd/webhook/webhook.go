package webhook

import "github.com/spf13/cobra"

var WebhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "This command groups subcommands for inspecting received webhooks.",
	Long: `
Usage: wearlink webhook <subcommand> [options]

  This command groups subcommands for looking at the webhook deliveries the
  server accepted. Recording is enabled with a webhook_log block in the
  server configuration.

  Show the newest WHOOP recovery events:

      $ wearlink webhook inspect --vendor=whoop --type=recovery.updated

  Please see the individual subcommand help for detailed usage information.
`,
}

func init() {
	WebhookCmd.AddCommand(InspectCmd)
}

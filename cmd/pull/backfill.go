package pull

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/wearlink/cmd/helpers"
)

var BackfillCmd = &cobra.Command{
	Use:           "backfill <vendor> <user_id>",
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "Queues a historical import for a user",
	Long: `
Usage: wearlink backfill <vendor> <user_id> [--since=720h] [--until=...]

  Publishes a backfill request on the queue for a downstream worker. The
  window defaults to the last seven days and may not exceed a year.
`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := helpers.Client()
		if err != nil {
			return err
		}
		receipt, err := c.Backfill(cmd.Context(), args[0], args[1], flagSince, flagUntil)
		if err != nil {
			return fmt.Errorf("error requesting backfill: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Backfill %s (message %s, trace %s) covering %s to %s\n",
			receipt.Outcome, receipt.MessageID, receipt.TraceID,
			receipt.Since.Local().Format("2006-01-02"), receipt.Until.Local().Format("2006-01-02"))
		return nil
	},
}

func init() {
	BackfillCmd.Flags().StringVar(&flagSince, "since", "", "Start of the window")
	BackfillCmd.Flags().StringVar(&flagUntil, "until", "", "End of the window")
}

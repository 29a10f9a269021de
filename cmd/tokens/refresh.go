package tokens

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/wearlink/cmd/helpers"
)

var (
	flagForce bool

	RefreshCmd = &cobra.Command{
		Use:           "refresh <vendor> <user_id>",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Refreshes a grant's access token",
		Long: `
Usage: wearlink tokens refresh <vendor> <user_id> [--force]

  Refreshes the access token when it is inside the refresh margin. With
  --force the vendor is asked for a new token regardless.
`,
		Args: cobra.ExactArgs(2),
		RunE: runRefresh,
	}
)

func init() {
	RefreshCmd.Flags().BoolVar(&flagForce, "force", false, "Refresh even when the token is still fresh")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}
	t, err := c.RefreshToken(cmd.Context(), args[0], args[1], flagForce)
	if err != nil {
		return fmt.Errorf("error refreshing token: %w", err)
	}
	return printSummary(cmd, t)
}

package tokens

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/wearlink/cmd/helpers"
)

var ReadCmd = &cobra.Command{
	Use:           "read <vendor> <user_id>",
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "Shows one stored grant",
	Args:          cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := helpers.Client()
		if err != nil {
			return err
		}
		t, err := c.GetToken(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("error reading token: %w", err)
		}
		return printSummary(cmd, t)
	},
}

package tokens

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/wearlink/cmd/helpers"
)

var (
	flagPurge bool

	RevokeCmd = &cobra.Command{
		Use:           "revoke <vendor> <user_id>",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Revokes a grant at the vendor",
		Long: `
Usage: wearlink tokens revoke <vendor> <user_id> [--purge]

  Revokes the grant at the vendor and marks it revoked. --purge also
  deletes the stored record and its sync cursor.
`,
		Args: cobra.ExactArgs(2),
		RunE: runRevoke,
	}
)

func init() {
	RevokeCmd.Flags().BoolVar(&flagPurge, "purge", false, "Delete the record and sync cursor after revoking")
}

func runRevoke(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}
	if err := c.RevokeToken(cmd.Context(), args[0], args[1], flagPurge); err != nil {
		return fmt.Errorf("error revoking token: %w", err)
	}
	verb := "revoked"
	if flagPurge {
		verb = "revoked and purged"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Success! Grant %s for %s/%s\n", verb, args[0], args[1])
	return nil
}

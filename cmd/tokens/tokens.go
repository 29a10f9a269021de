package tokens

import "github.com/spf13/cobra"

var (
	TokensCmd = &cobra.Command{
		Use:   "tokens",
		Short: "This command groups subcommands for managing stored vendor grants.",
		Long: `
Usage: wearlink tokens <subcommand> [options]

  This command groups subcommands for managing the OAuth grants wearlink
  holds on behalf of users. Token material is never printed.

  List every active WHOOP grant:

      $ wearlink tokens list --vendor=whoop --status=active

  Force a refresh:

      $ wearlink tokens refresh whoop user-42 --force

  Please see the individual subcommand help for detailed usage information.
`,
	}

	flagFormat string
)

func init() {
	TokensCmd.PersistentFlags().StringVarP(&flagFormat, "format", "f", "table", "Output format: table or json")

	TokensCmd.AddCommand(ListCmd)
	TokensCmd.AddCommand(ReadCmd)
	TokensCmd.AddCommand(RefreshCmd)
	TokensCmd.AddCommand(RevokeCmd)
}

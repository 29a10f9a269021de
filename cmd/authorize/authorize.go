package authorize

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/wearlink/cmd/helpers"
)

var (
	flagRedirectURI string
	flagState       string
	flagCode        string
	flagUser        string

	AuthorizeCmd = &cobra.Command{
		Use:           "authorize <vendor>",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Starts or completes a vendor consent flow",
		Long: `
Usage: wearlink authorize <vendor> [options]

  Without --code, prints the vendor consent URL to send the user to.

      $ wearlink authorize fitbit --state=abc123

  With --code and --user, exchanges the code the vendor redirected back
  with and stores the grant for that user.

      $ wearlink authorize fitbit --user=user-42 --code=8a7b...
`,
		Args: cobra.ExactArgs(1),
		RunE: run,
	}
)

func init() {
	AuthorizeCmd.Flags().StringVar(&flagRedirectURI, "redirect-uri", "", "Redirect URI registered with the vendor; defaults to the configured one")
	AuthorizeCmd.Flags().StringVar(&flagState, "state", "", "Opaque state echoed back by the vendor; generated when empty")
	AuthorizeCmd.Flags().StringVar(&flagCode, "code", "", "Authorization code to exchange")
	AuthorizeCmd.Flags().StringVar(&flagUser, "user", "", "User the grant belongs to (with --code)")
}

func run(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}
	vendor := args[0]
	out := cmd.OutOrStdout()

	if flagCode == "" {
		auth, err := c.Authorize(cmd.Context(), vendor, flagRedirectURI, flagState)
		if err != nil {
			return fmt.Errorf("error building authorization url: %w", err)
		}
		fmt.Fprintf(out, "Send the user to:\n\n    %s\n\nState: %s\n", auth.AuthorizationURL, auth.State)
		return nil
	}

	if flagUser == "" {
		return fmt.Errorf("--user is required with --code")
	}
	t, err := c.CompleteAuthorization(cmd.Context(), vendor, flagUser, flagCode, flagRedirectURI)
	if err != nil {
		return fmt.Errorf("error completing authorization: %w", err)
	}
	fmt.Fprintf(out, "Success! %s connected for user %s (vendor user %s), token expires %s\n",
		t.Vendor, t.UserID, t.VendorUserID, t.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

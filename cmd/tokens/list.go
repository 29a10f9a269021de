package tokens

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/stephnangue/wearlink/api"
	"github.com/stephnangue/wearlink/cmd/helpers"
	"github.com/stephnangue/wearlink/helper"
)

var (
	flagVendor string
	flagStatus string
	flagLimit  int
	flagAfter  string

	ListCmd = &cobra.Command{
		Use:           "list",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Lists stored grants",
		Long: `
Usage: wearlink tokens list [options]

  Lists stored grants in key order, one page at a time. Pass the printed
  cursor to --after to read the next page.

      $ wearlink tokens list --vendor=garmin --status=reauth_required
`,
		Args: cobra.NoArgs,
		RunE: runList,
	}
)

func init() {
	ListCmd.Flags().StringVar(&flagVendor, "vendor", "", "Only list grants of this vendor")
	ListCmd.Flags().StringVar(&flagStatus, "status", "", "Only list grants in this status (active, expired, revoked, reauth_required)")
	ListCmd.Flags().IntVar(&flagLimit, "limit", 0, "Page size")
	ListCmd.Flags().StringVar(&flagAfter, "after", "", "Cursor returned by the previous page")
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}

	page, err := c.ListTokens(cmd.Context(), api.ListTokensInput{
		Vendor: flagVendor,
		Status: flagStatus,
		Limit:  flagLimit,
		After:  flagAfter,
	})
	if err != nil {
		return fmt.Errorf("error listing tokens: %w", err)
	}

	out := cmd.OutOrStdout()
	if flagFormat == "json" {
		return helpers.PrintJSON(out, page)
	}

	if len(page.Items) == 0 {
		fmt.Fprintln(out, "No tokens found")
		return nil
	}
	headers := []string{"Vendor", "User", "Status", "Expires", "Last Pull", "Last Webhook"}
	data := make([][]any, 0, len(page.Items))
	now := time.Now()
	for _, t := range page.Items {
		data = append(data, []any{t.Vendor, t.UserID, t.Status, helper.FormatRelative(t.ExpiresAt, now), helper.FormatRelative(t.LastPullAt, now), helper.FormatRelative(t.LastWebhookAt, now)})
	}
	helpers.PrintTable(out, headers, data)
	if page.Next != "" {
		fmt.Fprintf(out, "\nMore results: --after=%s\n", page.Next)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func printSummary(cmd *cobra.Command, t *api.TokenSummary) error {
	out := cmd.OutOrStdout()
	if flagFormat == "json" {
		return helpers.PrintJSON(out, t)
	}
	helpers.PrintMapAsTable(out, map[string]any{
		"vendor":            t.Vendor,
		"user_id":           t.UserID,
		"vendor_user_id":    t.VendorUserID,
		"status":            t.Status,
		"scopes":            t.Scopes,
		"expires_at":        formatTime(t.ExpiresAt),
		"has_refresh_token": t.HasRefreshToken,
		"last_pull_at":      formatTime(t.LastPullAt),
		"last_webhook_at":   formatTime(t.LastWebhookAt),
		"updated_at":        formatTime(t.UpdatedAt),
	})
	return nil
}

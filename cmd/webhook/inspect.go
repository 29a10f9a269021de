package webhook

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/stephnangue/wearlink/api"
	"github.com/stephnangue/wearlink/cmd/helpers"
	"github.com/stephnangue/wearlink/core"
)

var (
	flagVendor string
	flagType   string
	flagLimit  int
	flagFile   string
	flagFormat string

	InspectCmd = &cobra.Command{
		Use:           "inspect",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Lists recently accepted webhooks",
		Long: `
Usage: wearlink webhook inspect [options]

  Lists the newest recorded webhook deliveries, oldest first. By default the
  server is asked; with --file a JSONL webhook log is read directly and no
  server is needed.

      $ wearlink webhook inspect --limit=20
      $ wearlink webhook inspect --vendor=whoop --type=recovery.updated
      $ wearlink webhook inspect --file=__dev__/webhooks_recent.jsonl
`,
		Args: cobra.NoArgs,
		RunE: runInspect,
	}
)

func init() {
	InspectCmd.Flags().StringVarP(&flagVendor, "vendor", "v", "", "Only show deliveries from this vendor")
	InspectCmd.Flags().StringVarP(&flagType, "type", "t", "", "Only show this event type")
	InspectCmd.Flags().IntVarP(&flagLimit, "limit", "n", core.DefaultWebhookQueryLimit, "Number of deliveries to show")
	InspectCmd.Flags().StringVar(&flagFile, "file", "", "Read this JSONL webhook log instead of asking the server")
	InspectCmd.Flags().StringVarP(&flagFormat, "format", "f", "table", "Output format: table or json")
}

func runInspect(cmd *cobra.Command, args []string) error {
	if flagLimit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}

	var (
		records []api.WebhookRecord
		err     error
	)
	if flagFile != "" {
		records, err = readFile(flagFile)
	} else {
		records, err = fetch(cmd)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flagFormat == "json" {
		return helpers.PrintJSON(out, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No webhooks found matching filters")
		return nil
	}

	headers := []string{"Timestamp", "Vendor", "Event Type", "User ID", "Resource ID", "Outcome"}
	data := make([][]any, 0, len(records))
	for _, r := range records {
		data = append(data, []any{r.Timestamp.Local().Format(time.RFC3339), r.Vendor, r.Type, r.UserID, orDash(r.ResourceID), r.Outcome})
	}
	helpers.PrintTable(out, headers, data)
	fmt.Fprintf(out, "\nShowing %d webhooks\n", len(records))
	return nil
}

func fetch(cmd *cobra.Command) ([]api.WebhookRecord, error) {
	c, err := helpers.Client()
	if err != nil {
		return nil, err
	}
	records, err := c.RecentWebhooks(cmd.Context(), api.RecentWebhooksInput{
		Vendor: flagVendor,
		Type:   flagType,
		Limit:  flagLimit,
	})
	if api.IsCode(err, "webhook_log_disabled") {
		return nil, fmt.Errorf("the server is not recording webhooks: add a webhook_log block to its configuration")
	}
	if err != nil {
		return nil, fmt.Errorf("error reading recent webhooks: %w", err)
	}
	return records, nil
}

func readFile(path string) ([]api.WebhookRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("no webhook log at %s: %w", path, err)
	}
	defer f.Close()

	recs, err := core.ReadWebhookLog(f, core.WebhookQuery{Vendor: flagVendor, Type: flagType, Limit: flagLimit})
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	out := make([]api.WebhookRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, api.WebhookRecord(r))
	}
	return out, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

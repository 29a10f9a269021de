package pull

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/stephnangue/wearlink/api"
	"github.com/stephnangue/wearlink/cmd/helpers"
)

var (
	flagTypes  []string
	flagSince  string
	flagUntil  string
	flagLimit  int
	flagFormat string

	PullCmd = &cobra.Command{
		Use:           "pull <vendor> <user_id>",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Pulls a user's data from the vendor",
		Long: `
Usage: wearlink pull <vendor> <user_id> [options]

  Pulls data for the user. Without --since the server decides: the first
  pull covers the last seven days, later ones resume from the sync cursor.
  --since and --until take RFC 3339 timestamps or durations back from now.

      $ wearlink pull whoop user-42 --type=sleep --type=recovery --since=72h
`,
		Args: cobra.ExactArgs(2),
		RunE: runPull,
	}
)

func init() {
	PullCmd.Flags().StringSliceVarP(&flagTypes, "type", "t", nil, "Resource types to pull; all when omitted")
	PullCmd.Flags().StringVar(&flagSince, "since", "", "Start of the window")
	PullCmd.Flags().StringVar(&flagUntil, "until", "", "End of the window")
	PullCmd.Flags().IntVar(&flagLimit, "limit", 0, "Maximum records per resource type")
	PullCmd.Flags().StringVarP(&flagFormat, "format", "f", "table", "Output format: table or json")
}

func runPull(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}
	res, err := c.Pull(cmd.Context(), args[0], args[1], &api.PullInput{
		ResourceTypes: flagTypes,
		Since:         flagSince,
		Until:         flagUntil,
		Limit:         flagLimit,
	})
	if err != nil {
		return fmt.Errorf("error pulling data: %w", err)
	}

	out := cmd.OutOrStdout()
	if flagFormat == "json" {
		return helpers.PrintJSON(out, res)
	}

	fmt.Fprintf(out, "%s pull for %s/%s from %s to %s\n\n", res.PullType, res.Vendor, res.UserID,
		res.Since.Local().Format("2006-01-02 15:04"), res.Until.Local().Format("2006-01-02 15:04"))

	types := make([]string, 0, len(res.Records)+len(res.Errors))
	seen := map[string]bool{}
	for t := range res.Records {
		types = append(types, t)
		seen[t] = true
	}
	for t := range res.Errors {
		if !seen[t] {
			types = append(types, t)
		}
	}
	sort.Strings(types)

	data := make([][]any, 0, len(types))
	for _, t := range types {
		status := "ok"
		if msg, ok := res.Errors[t]; ok {
			status = msg
		}
		data = append(data, []any{t, len(res.Records[t]), status})
	}
	helpers.PrintTable(out, []string{"Type", "Records", "Status"}, data)
	fmt.Fprintf(out, "\nTotal: %d, cursor advanced: %t\n", res.Total, res.CursorAdvanced)
	if res.Truncated {
		fmt.Fprintln(out, "Results were truncated by --limit")
	}
	return nil
}

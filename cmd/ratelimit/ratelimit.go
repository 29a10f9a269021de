package ratelimit

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/wearlink/api"
	"github.com/stephnangue/wearlink/cmd/helpers"
)

var (
	flagUser  string
	flagReset bool

	RateLimitCmd = &cobra.Command{
		Use:           "ratelimit <vendor>",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Shows or resets a vendor's rate limit buckets",
		Long: `
Usage: wearlink ratelimit <vendor> [--user=...] [--reset]

  Shows the remaining capacity of the vendor bucket and, with --user, of
  that user's bucket. --reset refills them and lifts any pause.
`,
		Args: cobra.ExactArgs(1),
		RunE: run,
	}
)

func init() {
	RateLimitCmd.Flags().StringVar(&flagUser, "user", "", "Also show this user's bucket")
	RateLimitCmd.Flags().BoolVar(&flagReset, "reset", false, "Refill the buckets instead of showing them")
}

func run(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if flagReset {
		if err := c.ResetRateLimit(cmd.Context(), args[0], flagUser); err != nil {
			return fmt.Errorf("error resetting rate limit: %w", err)
		}
		fmt.Fprintf(out, "Success! Rate limit reset for %s\n", args[0])
		return nil
	}

	st, err := c.RateLimitStatus(cmd.Context(), args[0], flagUser)
	if err != nil {
		return fmt.Errorf("error reading rate limit: %w", err)
	}
	data := [][]any{}
	if row := tierRow("vendor", st.VendorTier); row != nil {
		data = append(data, row)
	}
	if row := tierRow("user "+st.UserID, st.UserTier); row != nil {
		data = append(data, row)
	}
	helpers.PrintTable(out, []string{"Tier", "Capacity", "Remaining", "Refill/s"}, data)
	if !st.PausedUntil.IsZero() {
		fmt.Fprintf(out, "\nPaused by the vendor until %s\n", st.PausedUntil.Local().Format("15:04:05"))
	}
	return nil
}

func tierRow(name string, t *api.TierStatus) []any {
	if t == nil {
		return nil
	}
	return []any{name, t.Capacity, fmt.Sprintf("%.1f", t.Remaining), fmt.Sprintf("%.3f", t.RefillPerSecond)}
}

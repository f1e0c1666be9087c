package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/revenue-reconciler/recon"
)

func reverseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reverse GROUP",
		Short: "Undo every match in a match group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.engine.Reverse(cmd.Context(), recon.MatchGroupID(args[0]))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if res.AlreadyReversed {
				fmt.Fprintln(out, res.Notice)
				return nil
			}
			fmt.Fprintf(out, "Reversed match group %s (%d match(es))\n", res.Group.ID, len(res.Group.Matches))
			for _, s := range res.Schedules {
				fmt.Fprintf(out, "  %s  usage %s  commission %s  %s\n",
					s.ID, s.ActualUsage.StringFixed(2), s.ActualCommission.StringFixed(2), s.Status)
			}
			return nil
		},
	}
}

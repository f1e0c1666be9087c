package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/warp/revenue-reconciler/recon"
)

func automatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "automatch",
		Short: "Batch-match every line of a deposit",
	}

	var threshold float64

	preview := &cobra.Command{
		Use:   "preview DEPOSIT",
		Short: "Show which lines would be auto-matched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			summary, err := a.engine.AutoMatchPreview(cmd.Context(), recon.DepositID(args[0]), thresholdFlag(cmd, threshold))
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}
	preview.Flags().Float64Var(&threshold, "threshold", 0, "minimum confidence (default: matching.auto_match_threshold)")

	var yes bool
	confirm := &cobra.Command{
		Use:   "confirm DEPOSIT",
		Short: "Apply every above-threshold candidate",
		Long: `Preview the deposit, then apply each candidate as a one-to-one match.

A candidate that fails (for example because the line was matched by
someone else in the meantime) is reported and the batch continues.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			summary, err := a.engine.AutoMatchPreview(ctx, recon.DepositID(args[0]), thresholdFlag(cmd, threshold))
			if err != nil {
				return err
			}
			printSummary(out, summary)

			if len(summary.Candidates) == 0 {
				fmt.Fprintln(out, "Nothing to confirm")
				return nil
			}
			if !yes && !promptYes(cmd.InOrStdin(), out, fmt.Sprintf("Apply %d match(es)? [y/N] ", len(summary.Candidates))) {
				fmt.Fprintln(out, "Aborted")
				return nil
			}

			bar := progressbar.NewOptions(len(summary.Candidates),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription("Applying matches"),
				progressbar.OptionOnCompletion(func() {
					fmt.Fprintln(cmd.ErrOrStderr())
				}),
			)
			result := a.engine.AutoMatchConfirm(ctx, summary.Candidates, func(done, _ int) {
				if err := bar.Set(done); err != nil {
					logger.WithError(err).Debug("failed to update progress bar")
				}
			})

			fmt.Fprintf(out, "Applied %d of %d candidate(s)\n", result.AppliedCount, len(summary.Candidates))
			for _, f := range result.Failures {
				fmt.Fprintf(out, "  failed %s -> %s: %s\n", f.LineID, f.ScheduleID, f.Message)
			}
			return nil
		},
	}
	confirm.Flags().Float64Var(&threshold, "threshold", 0, "minimum confidence (default: matching.auto_match_threshold)")
	confirm.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	cmd.AddCommand(preview, confirm)
	return cmd
}

// thresholdFlag returns nil unless --threshold was given.
func thresholdFlag(cmd *cobra.Command, v float64) *float64 {
	if !cmd.Flags().Changed("threshold") {
		return nil
	}
	return &v
}

func printSummary(out io.Writer, s recon.PreviewSummary) {
	fmt.Fprintf(out, "Deposit %s (threshold %.2f)\n", s.DepositID, s.Threshold)
	fmt.Fprintf(out, "  processed %d, candidates %d, already matched %d, below threshold %d, no candidates %d, errors %d\n\n",
		s.Processed, len(s.Candidates), s.AlreadyMatched, s.BelowThreshold, s.NoCandidates, len(s.Errors))

	if len(s.Candidates) > 0 {
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "LINE\tSCHEDULE\tUSAGE\tCOMMISSION\tCONFIDENCE")
		for _, c := range s.Candidates {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.2f\n",
				c.LineNumber, c.ScheduleID, c.Usage.StringFixed(2), c.Commission.StringFixed(2), c.Confidence)
		}
		tw.Flush()
	}
	for _, e := range s.Errors {
		fmt.Fprintf(out, "  line %d: %s\n", e.LineNumber, e.Message)
	}
}

func promptYes(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprint(out, question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

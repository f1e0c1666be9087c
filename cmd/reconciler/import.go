package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/revenue-reconciler/fixture"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Load revenue schedules and deposit lines from a JSON file",
		Long: `Load revenue schedules and deposit lines into the database.

Records are upserted by id in a single transaction, so re-importing a
corrected file replaces the earlier rows. Amounts already applied by
matches are kept, and schedule statuses are recomputed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open fixture: %w", err)
			}
			defer f.Close()

			data, err := fixture.Decode(f)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			res, err := fixture.Load(cmd.Context(), a.store, data, a.engine.Config().Tolerance)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d revenue schedule(s) and %d deposit line(s)\n",
				res.Schedules, res.Lines)
			return nil
		},
	}
}

package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show stored run summaries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.Store()
			if st == nil {
				return errors.New("run history is disabled (storage.driver)")
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				sum, err := st.GetRun(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				if jsonOut {
					return printJSON(out, sum)
				}
				printSummary(out, sum)
				return nil
			}

			runs, err := st.ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if jsonOut {
				return printJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tTRIGGER\tDONE\tFAILED\tSTOPPED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%v\n",
					r.RunID, r.StartedAt.Local().Format(time.DateTime), r.Trigger, r.Completed, r.Failed, r.Stopped)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

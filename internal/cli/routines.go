package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRoutinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routines",
		Short: "List builtin routines and scripts in routines.dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			refs, err := a.Routines().List()
			if err != nil {
				if len(refs) == 0 {
					return fmt.Errorf("list routines: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDISPLAY\tSOURCE")
			for _, r := range refs {
				src := "builtin"
				if r.Path != "" {
					src = r.Path
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Label(), src)
			}
			return tw.Flush()
		},
	}
}

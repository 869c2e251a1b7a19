package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"envfleet/internal/provider"
)

func newEnvsCmd() *cobra.Command {
	var (
		page, size int
		name       string
		group      int64
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "envs",
		Short: "List environments known to the provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			opt := provider.ListOptions{Page: page, PageSize: size, Name: name}
			if cmd.Flags().Changed("group") {
				opt.GroupID = &group
			}
			p, err := a.Provider().ListEnvironments(cmd.Context(), opt)
			if err != nil {
				return fmt.Errorf("list environments: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, p)
			}
			if len(p.Items) == 0 {
				fmt.Fprintln(out, "No environments found.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME")
			for _, e := range p.Items {
				fmt.Fprintf(tw, "%s\t%s\n", e.ID, e.DisplayName())
			}
			_ = tw.Flush()
			if p.Total > len(p.Items) {
				fmt.Fprintf(out, "\n(page %d: %d of %d shown)\n", page, len(p.Items), p.Total)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 50, "page size")
	cmd.Flags().StringVar(&name, "name", "", "filter by environment name")
	cmd.Flags().Int64Var(&group, "group", 0, "filter by group id")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check credentials and the connection to the provisioning API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.CheckConnection(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if err := printJSON(out, rep); err != nil {
					return err
				}
			} else {
				status := "OK"
				if !rep.OK {
					status = "FAILED"
				}
				fmt.Fprintf(out, "%s  %s\n", status, rep.Message)
				fmt.Fprintf(out, "  api: %s\n", rep.BaseURL)
				if rep.OK {
					fmt.Fprintf(out, "  environments: %d\n", rep.Total)
				}
				if rep.Error != "" {
					fmt.Fprintf(out, "  error: %s\n", rep.Error)
				}
				if rep.Suggestion != "" {
					fmt.Fprintf(out, "  hint: %s\n", rep.Suggestion)
				}
			}
			if !rep.OK {
				return errors.New("connection check failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

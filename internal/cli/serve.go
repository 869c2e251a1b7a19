package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run schedules and the control API until interrupted",
		Long: `Keeps envfleet running: watches the config file for changes, fires
configured schedules, serves the control API and, under systemd with
Type=notify, reports readiness and watchdog pings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(ctx)
		},
	}
}

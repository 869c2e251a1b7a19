// Package cli is the envfleet command line.
package cli

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"envfleet/internal/app"
)

var (
	flagConfig   string
	flagLogLevel string
)

func defaultConfig() string {
	if p := os.Getenv("ENVFLEET_CONFIG"); p != "" {
		return p
	}
	return "./config.yaml"
}

// NewRootCmd builds the envfleet command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "envfleet",
		Short:         "Run routines across provider-managed browser environments",
		Long:          "envfleet opens browser environments through the local provisioning API, runs routines in them with bounded concurrency and always closes them again.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfig(), "config file (or ENVFLEET_CONFIG env)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(),
		newEnvsCmd(),
		newCheckCmd(),
		newRoutinesCmd(),
		newRunsCmd(),
		newServeCmd(),
	)
	return root
}

func openApp(extra ...app.Option) (*app.App, error) {
	opts := append([]app.Option{app.WithLogLevel(flagLogLevel)}, extra...)
	return app.New(flagConfig, opts...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
